// Package transport starts provider processes under a pseudo-terminal or
// plain pipes and exposes both through one Handle.
package transport

import (
	"context"
	"errors"
	"syscall"

	"github.com/ship-commander/agentvisor/internal/stream"
)

const (
	NamePTY  = "pty"
	NamePipe = "pipe"
)

var (
	// ErrUnsupported reports a transport the host cannot provide.
	ErrUnsupported = errors.New("transport not supported on this host")
	// ErrStdinClosed reports a write after the input channel was closed.
	ErrStdinClosed = errors.New("process input is closed")
)

// Spec describes the process to start.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env is layered over the supervisor's own environment.
	Env map[string]string
	// Stdin is delivered once, then the input channel reaches end of file.
	Stdin    string
	UseStdin bool
}

// Chunk is one read from the process, tagged with the stream it came from.
type Chunk struct {
	Source stream.Source
	Data   []byte
}

// ExitInfo describes how the process ended.
type ExitInfo struct {
	Code   int
	Signal string
	Err    error
}

// Handle controls exactly one OS process.
//
// Output is closed once every output stream has reached end of file; the
// value on Exited is sent only after that, so no chunk ever arrives after
// the exit notification.
type Handle interface {
	PID() int
	Transport() string
	Write(p []byte) error
	// Signal targets the whole process group. A group that is already gone
	// is not an error.
	Signal(sig syscall.Signal) error
	Interrupt() error
	Output() <-chan Chunk
	Exited() <-chan ExitInfo
	// Close stops delivering output and releases descriptors and staged
	// files. It does not wait for the process.
	Close() error
}

// Transport is a process start strategy.
type Transport interface {
	Name() string
	Available() bool
	Start(ctx context.Context, spec Spec) (Handle, error)
}
