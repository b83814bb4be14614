// Package supervisor runs provider CLIs to completion: it spawns the
// process, feeds its output through the provider's parse pipeline, and
// settles each run exactly once.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/registry"
	"github.com/ship-commander/agentvisor/internal/stream"
	"github.com/ship-commander/agentvisor/internal/telemetry"
	"github.com/ship-commander/agentvisor/internal/transport"
)

const (
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultIdleCheckInterval = time.Second
	DefaultKillGrace         = 2 * time.Second
)

// Level is the kind of a log callback entry.
type Level string

const (
	LevelInfo   Level = "info"
	LevelWarn   Level = "warn"
	LevelError  Level = "error"
	LevelStream Level = "stream"
	LevelJSON   Level = "json"
)

// LogEntry is one line delivered to Callbacks.OnLog. Meta always holds
// provider, provider_display_name and run_id, plus session_id once known.
type LogEntry struct {
	Level Level
	Line  string
	Meta  map[string]string
}

// Callbacks receive a run's output. They are called from one goroutine per
// run, in the order the bytes were read, and never after the run settles.
type Callbacks struct {
	OnLog       func(LogEntry)
	OnSessionID func(id string)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger configures the logger used for lifecycle records.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIdleTimeout sets how long a run may go without output. Zero disables
// the idle check.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.idleTimeout = d
		}
	}
}

// WithIdleCheckInterval sets how often the idle timeout is evaluated.
func WithIdleCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.idleCheck = d
		}
	}
}

// WithKillGrace sets the wait between SIGTERM and SIGKILL on teardown.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.killGrace = d
		}
	}
}

// WithBufferLimits sets the per-stream parse buffer high-water mark and the
// tail kept after trimming, in bytes.
func WithBufferLimits(highWater, tail int) Option {
	return func(s *Supervisor) {
		s.highWater = highWater
		s.tailWindow = tail
	}
}

// WithTransports replaces the pseudo-terminal and pipe strategies.
func WithTransports(pty, pipe transport.Transport) Option {
	return func(s *Supervisor) {
		if pty != nil {
			s.pty = pty
		}
		if pipe != nil {
			s.pipe = pipe
		}
	}
}

// Supervisor starts runs against the providers of one registry.
type Supervisor struct {
	registry *registry.Registry
	logger   *log.Logger

	pty  transport.Transport
	pipe transport.Transport

	idleTimeout time.Duration
	idleCheck   time.Duration
	killGrace   time.Duration
	highWater   int
	tailWindow  int

	newID func() string
}

// New builds a supervisor over reg.
func New(reg *registry.Registry, opts ...Option) (*Supervisor, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	s := &Supervisor{
		registry:    reg,
		logger:      log.New(io.Discard),
		pty:         transport.PTY{},
		pipe:        transport.Pipe{},
		idleTimeout: DefaultIdleTimeout,
		idleCheck:   DefaultIdleCheckInterval,
		killGrace:   DefaultKillGrace,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start validates opts, spawns the provider and returns the running Run.
//
// Validation and availability problems reject the start with an error
// wrapping ErrUnknownProvider, ErrInvalidOptions or ErrProviderUnavailable;
// no process is created. A process that cannot be spawned is not an error:
// the returned Run is already settled with a Failure carrying a SpawnError.
// Cancelling ctx cancels the run.
func (s *Supervisor) Start(ctx context.Context, providerName string, opts harness.RunOptions, cb Callbacks) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	name := strings.TrimSpace(providerName)
	provider, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	run := newRun(s, s.newID(), provider, opts, cb)
	run.transition(StateResolving)

	build, path, err := s.resolve(provider, opts)
	if err != nil {
		run.transition(StateSettled)
		s.logger.Warn("run rejected", "run_id", run.id, "provider", run.desc.Name, "err", err)
		return nil, err
	}

	lease, err := s.registry.MarkActive(run.desc.Name)
	if err != nil {
		run.transition(StateSettled)
		return nil, fmt.Errorf("%w: %w", ErrUnknownProvider, err)
	}
	run.lease = lease

	runCtx, span := telemetry.StartAgentRun(ctx, telemetry.AgentRunRequest{
		RunID:    run.id,
		Provider: run.desc.Name,
		Model:    opts.Model,
		Message:  opts.Message,
	})
	run.span = span
	run.spanCtx = runCtx
	span.RecordCommand(path, build.Args, opts.Message)

	run.transition(StateSpawning)
	spec := transport.Spec{
		Path:     path,
		Args:     build.Args,
		Dir:      opts.WorkDir,
		Env:      build.Env,
		Stdin:    build.StdinData,
		UseStdin: build.UseStdin,
	}
	handle, err := s.spawn(runCtx, run, spec, opts.DisablePTY)
	if err != nil {
		run.settle(Result{Kind: KindFailure, ExitCode: -1, Err: err})
		return run, nil
	}
	run.attach(handle)
	span.RecordTransport(handle.Transport(), handle.PID())
	s.logger.Info("run started",
		"run_id", run.id,
		"provider", run.desc.Name,
		"transport", handle.Transport(),
		"pid", handle.PID(),
		"stdin", build.UseStdin,
		"command", telemetry.CommandPreview(path, build.Args, opts.Message),
	)
	run.emit(LevelInfo, fmt.Sprintf("started %s via %s (pid %d)", run.desc.DisplayName, handle.Transport(), handle.PID()))

	run.transition(StateRunning)
	go run.loop(ctx)
	return run, nil
}

func (s *Supervisor) resolve(provider harness.Provider, opts harness.RunOptions) (harness.BuildResult, string, error) {
	if v := provider.ValidateOptions(opts); !v.Valid {
		err := v.Err
		if err == nil {
			err = errors.New("options rejected")
		}
		return harness.BuildResult{}, "", fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	path, err := provider.ResolveCLIPath()
	if err != nil {
		return harness.BuildResult{}, "", fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	build, err := provider.BuildArgs(opts)
	if err != nil {
		return harness.BuildResult{}, "", fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return build, path, nil
}

// spawn prefers the pseudo-terminal and retries once with pipes when it
// cannot be used.
func (s *Supervisor) spawn(ctx context.Context, run *Run, spec transport.Spec, disablePTY bool) (transport.Handle, error) {
	if !disablePTY && s.pty.Available() {
		handle, err := s.pty.Start(ctx, spec)
		if err == nil {
			return handle, nil
		}
		s.logger.Warn("pty start failed, falling back to pipes", "run_id", run.id, "provider", run.desc.Name, "err", err)
		run.span.RecordTransportFallback(s.pty.Name(), s.pipe.Name(), err)
		run.emit(LevelWarn, fmt.Sprintf("pseudo-terminal unavailable (%v), using pipes", err))
	}

	handle, err := s.pipe.Start(ctx, spec)
	if err != nil {
		return nil, &SpawnError{Transport: s.pipe.Name(), Err: err}
	}
	return handle, nil
}

func (s *Supervisor) newContext(dedupe *stream.Deduper) *stream.Context {
	return stream.NewContext(
		stream.WithLimits(s.highWater, s.tailWindow),
		stream.WithDeduper(dedupe),
	)
}
