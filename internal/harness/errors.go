package harness

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no executable was found for a provider.
var ErrNotFound = errors.New("provider cli not found")

// ValidationError describes one rejected run option.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError carries the locations searched for a provider binary.
type NotFoundError struct {
	Binary   string
	Searched []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s binary not found on PATH or in %d known locations", e.Binary, len(e.Searched))
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
