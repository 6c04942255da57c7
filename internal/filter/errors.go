package filter

import (
	"errors"
	"fmt"
)

// ErrImmutableStore is wrapped by HostIntegrationError when a parameter
// store refuses to become mutable.
var ErrImmutableStore = errors.New("parameter store cannot be made mutable")

// ConfigurationError reports a pattern that failed to compile. No part of
// the list it came from is applied.
type ConfigurationError struct {
	List    string
	Pattern string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.List == "" {
		return fmt.Sprintf("syntax error in filter pattern %q: %v", e.Pattern, e.Err)
	}
	return fmt.Sprintf("syntax error in %s pattern %q: %v", e.List, e.Pattern, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// HostIntegrationError reports that the host's parameter store could not be
// rewritten. The store is left untouched.
type HostIntegrationError struct {
	Op  string
	Err error
}

func (e *HostIntegrationError) Error() string {
	return fmt.Sprintf("cannot filter parameters: %s: %v", e.Op, e.Err)
}

func (e *HostIntegrationError) Unwrap() error {
	return e.Err
}
