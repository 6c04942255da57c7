package filter

import "sync"

// ParameterStore is the host's view of a request's parameters.
type ParameterStore interface {
	// Parameters returns the current parameters.
	Parameters() (*Parameters, error)
	// ReplaceParameters swaps in a rewritten mapping.
	ReplaceParameters(params *Parameters) error
	// TrySetMutable asks the store to allow (true) or forbid (false)
	// modification and reports whether the store is now in that state.
	// Stores without a locking concept return true.
	TrySetMutable(mutable bool) bool
}

// MemoryStore is an in-memory ParameterStore with an optional lock, for
// hosts that keep parameters outside of an HTTP request.
type MemoryStore struct {
	mu          sync.Mutex
	params      *Parameters
	locked      bool
	lockable    bool
	allowUnlock bool
}

// NewMemoryStore returns an always-mutable store holding params.
func NewMemoryStore(params *Parameters) *MemoryStore {
	if params == nil {
		params = NewParameters()
	}
	return &MemoryStore{params: params}
}

// NewLockedMemoryStore returns a store that starts locked. When allowUnlock
// is false TrySetMutable(true) fails, the way a container's frozen
// parameter map does.
func NewLockedMemoryStore(params *Parameters, allowUnlock bool) *MemoryStore {
	s := NewMemoryStore(params)
	s.lockable = true
	s.locked = true
	s.allowUnlock = allowUnlock
	return s
}

func (s *MemoryStore) Parameters() (*Parameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone(), nil
}

func (s *MemoryStore) ReplaceParameters(params *Parameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrImmutableStore
	}
	s.params = params.Clone()
	return nil
}

func (s *MemoryStore) TrySetMutable(mutable bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lockable {
		return true
	}
	if mutable && !s.allowUnlock {
		return false
	}
	s.locked = !mutable
	return true
}

// Locked reports whether the store currently refuses modification.
func (s *MemoryStore) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}
