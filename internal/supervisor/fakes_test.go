package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/registry"
	"github.com/ship-commander/agentvisor/internal/stream"
	"github.com/ship-commander/agentvisor/internal/testutil"
	"github.com/ship-commander/agentvisor/internal/transport"
)

// scriptProvider runs an executable with the message as its only argument.
type scriptProvider struct {
	harness.Base
}

func newScriptProvider(t *testing.T, name, body string) *scriptProvider {
	t.Helper()
	return newDialectScriptProvider(t, name, body, harness.Dialect{SessionIDPaths: []string{"session_id"}})
}

func newDialectScriptProvider(t *testing.T, name, body string, dialect harness.Dialect) *scriptProvider {
	t.Helper()
	path := testutil.WriteScript(t, body)
	resolver := harness.NewResolver(harness.ResolverConfig{Binary: name, Override: path})
	desc := harness.Descriptor{Name: name, DisplayName: "Fake " + name}
	return &scriptProvider{Base: harness.NewBase(desc, resolver, dialect)}
}

func (p *scriptProvider) BuildArgs(opts harness.RunOptions) (harness.BuildResult, error) {
	if harness.UseStdinFor(opts.Message) {
		return harness.BuildResult{Args: []string{"-"}, UseStdin: true, StdinData: opts.Message}, nil
	}
	return harness.BuildResult{Args: []string{opts.Message}}, nil
}

type fakeHandle struct {
	name   string
	out    chan transport.Chunk
	exited chan transport.ExitInfo

	mu      sync.Mutex
	signals []syscall.Signal
	writes  []string
	closed  bool
	ended   bool
}

func newFakeHandle(name string) *fakeHandle {
	return &fakeHandle{
		name:   name,
		out:    make(chan transport.Chunk, 64),
		exited: make(chan transport.ExitInfo, 1),
	}
}

func (h *fakeHandle) PID() int { return 4242 }
func (h *fakeHandle) Transport() string { return h.name }
func (h *fakeHandle) Output() <-chan transport.Chunk { return h.out }
func (h *fakeHandle) Exited() <-chan transport.ExitInfo { return h.exited }
func (h *fakeHandle) Interrupt() error { return h.Signal(syscall.SIGINT) }

func (h *fakeHandle) Write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, string(p))
	return nil
}

func (h *fakeHandle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if sig == syscall.SIGKILL {
		h.exit(transport.ExitInfo{Code: -1, Signal: "SIGKILL"})
	}
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// send queues one stdout read. It is dropped once the process has exited.
func (h *fakeHandle) send(data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.out <- transport.Chunk{Source: stream.SourceStdout, Data: []byte(data)}
}

func (h *fakeHandle) exit(info transport.ExitInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	close(h.out)
	h.exited <- info
}

func (h *fakeHandle) sentSignals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeTransport struct {
	name      string
	available bool
	err       error
	handle    *fakeHandle

	mu    sync.Mutex
	specs []transport.Spec
}

func (f *fakeTransport) Name() string { return f.name }
func (f *fakeTransport) Available() bool { return f.available }

func (f *fakeTransport) Start(_ context.Context, spec transport.Spec) (transport.Handle, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

func (f *fakeTransport) started() []transport.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Spec(nil), f.specs...)
}

type logRecorder struct {
	mu       sync.Mutex
	entries  []LogEntry
	sessions []string
}

func (l *logRecorder) callbacks() Callbacks {
	return Callbacks{
		OnLog: func(entry LogEntry) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.entries = append(l.entries, entry)
		},
		OnSessionID: func(id string) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.sessions = append(l.sessions, id)
		},
	}
}

func (l *logRecorder) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

func (l *logRecorder) lines(level Level) []string {
	var out []string
	for _, entry := range l.snapshot() {
		if entry.Level == level {
			out = append(out, entry.Line)
		}
	}
	return out
}

func (l *logRecorder) sessionIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sessions...)
}

// fixture wires a script provider to a supervisor whose transports are
// fakes. The script is never executed.
type fixture struct {
	reg      *registry.Registry
	sup      *Supervisor
	provider *scriptProvider
	pty      *fakeTransport
	pipe     *fakeTransport
	handle   *fakeHandle
	logs     *logRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	handle := newFakeHandle("fake-pipe")
	f := &fixture{
		reg:      registry.New(),
		provider: newScriptProvider(t, "fake", "exit 0\n"),
		pty:      &fakeTransport{name: "fake-pty", available: false},
		pipe:     &fakeTransport{name: "fake-pipe", available: true, handle: handle},
		handle:   handle,
		logs:     &logRecorder{},
	}
	if err := f.reg.Register(f.provider); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	base := []Option{
		WithTransports(f.pty, f.pipe),
		WithKillGrace(20 * time.Millisecond),
	}
	sup, err := New(f.reg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	f.sup = sup
	return f
}

func (f *fixture) start(t *testing.T, opts harness.RunOptions) *Run {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.Message == "" {
		opts.Message = "do the thing"
	}
	run, err := f.sup.Start(context.Background(), "fake", opts, f.logs.callbacks())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return run
}

func waitResult(t *testing.T, run *Run) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	return result
}

func hasSignal(signals []syscall.Signal, want syscall.Signal) bool {
	for _, sig := range signals {
		if sig == want {
			return true
		}
	}
	return false
}
