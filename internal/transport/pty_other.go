//go:build !linux

package transport

import "context"

// PTY is unavailable on this platform; Start always fails so callers fall
// back to Pipe.
type PTY struct {
	Shell string
}

func (PTY) Name() string { return NamePTY }
func (PTY) Available() bool { return false }

func (PTY) Start(context.Context, Spec) (Handle, error) {
	return nil, ErrUnsupported
}
