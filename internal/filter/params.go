package filter

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Parameters is an ordered mapping from parameter name to its values. Names
// keep the order in which they were first added.
type Parameters struct {
	m *orderedmap.OrderedMap[string, []string]
}

// NewParameters returns an empty mapping.
func NewParameters() *Parameters {
	return &Parameters{m: orderedmap.New[string, []string]()}
}

// ParseParameters decodes a url-encoded form (a=1&b=2) preserving the order
// in which names first appear. Like url.ParseQuery it keeps going after a
// malformed pair and returns the first error seen.
func ParseParameters(raw string) (*Parameters, error) {
	params := NewParameters()

	var firstErr error
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		if strings.Contains(pair, ";") {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid semicolon separator in query")
			}
			continue
		}

		name, value, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		value, err = url.QueryUnescape(value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		params.Add(name, value)
	}

	return params, firstErr
}

// FromValues builds a mapping from url.Values. Names are sorted because
// url.Values carries no order.
func FromValues(values url.Values) *Parameters {
	params := NewParameters()
	for _, name := range slices.Sorted(maps.Keys(values)) {
		params.Set(name, values[name])
	}
	return params
}

// Add appends value to the values of name.
func (p *Parameters) Add(name, value string) {
	values, _ := p.m.Get(name)
	p.m.Set(name, append(values, value))
}

// Set replaces the values of name. A new name is appended at the end.
func (p *Parameters) Set(name string, values []string) {
	p.m.Set(name, append([]string(nil), values...))
}

// Get returns the values of name.
func (p *Parameters) Get(name string) ([]string, bool) {
	return p.m.Get(name)
}

// Delete removes name and reports whether it was present.
func (p *Parameters) Delete(name string) bool {
	_, present := p.m.Delete(name)
	return present
}

// Rename moves the values of from to the key to. The entry keeps its
// position. When to already exists the two entries collapse into one at
// the earlier position, with their values concatenated in mapping order.
func (p *Parameters) Rename(from, to string) bool {
	if _, ok := p.m.Get(from); !ok {
		return false
	}
	if from == to {
		return true
	}

	renamed := NewParameters()
	p.Each(func(name string, values []string) {
		if name == from {
			name = to
		}
		renamed.merge(name, values)
	})
	p.m = renamed.m
	return true
}

// merge appends values to name without sharing the caller's slice.
func (p *Parameters) merge(name string, values []string) {
	existing, _ := p.m.Get(name)
	merged := make([]string, 0, len(existing)+len(values))
	merged = append(merged, existing...)
	p.m.Set(name, append(merged, values...))
}

// Len returns the number of names.
func (p *Parameters) Len() int {
	return p.m.Len()
}

// Names returns a snapshot of the names in order.
func (p *Parameters) Names() []string {
	names := make([]string, 0, p.m.Len())
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Each calls fn for every parameter in order. fn must not modify the
// mapping.
func (p *Parameters) Each(fn func(name string, values []string)) {
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Clone returns a deep copy.
func (p *Parameters) Clone() *Parameters {
	clone := NewParameters()
	p.Each(func(name string, values []string) {
		clone.Set(name, values)
	})
	return clone
}

// Values converts the mapping into url.Values.
func (p *Parameters) Values() url.Values {
	values := make(url.Values, p.m.Len())
	p.Each(func(name string, vs []string) {
		values[name] = append([]string(nil), vs...)
	})
	return values
}

// Encode renders the mapping as a url-encoded form in parameter order.
func (p *Parameters) Encode() string {
	var b strings.Builder
	p.Each(func(name string, values []string) {
		key := url.QueryEscape(name)
		if len(values) == 0 {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(key)
			return
		}
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	})
	return b.String()
}
