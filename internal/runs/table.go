// Package runs keeps the host's table of in-flight runs so they can be
// addressed by id after Start returns.
package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/agentvisor/internal/events"
	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/supervisor"
)

// ErrRunNotFound reports an id that is not (or no longer) in the table.
var ErrRunNotFound = errors.New("run not found")

// Starter launches supervised runs. *supervisor.Supervisor implements it.
type Starter interface {
	Start(ctx context.Context, provider string, opts harness.RunOptions, cb supervisor.Callbacks) (*supervisor.Run, error)
}

// Option configures a Table.
type Option func(*Table)

// WithBus publishes run lifecycle events onto bus.
func WithBus(bus events.Bus) Option {
	return func(t *Table) {
		if bus != nil {
			t.bus = bus
		}
	}
}

// WithLogger configures the logger used for table records.
func WithLogger(logger *log.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Table maps run ids to live runs. Entries are removed when runs settle.
type Table struct {
	starter Starter
	bus     events.Bus
	logger  *log.Logger

	mu   sync.RWMutex
	runs map[string]*supervisor.Run
	wg   sync.WaitGroup
}

// New builds an empty table over starter.
func New(starter Starter, opts ...Option) (*Table, error) {
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	t := &Table{
		starter: starter,
		logger:  log.New(io.Discard),
		runs:    make(map[string]*supervisor.Run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Start launches a run and tracks it until it settles.
func (t *Table) Start(ctx context.Context, provider string, opts harness.RunOptions, cb supervisor.Callbacks) (*supervisor.Run, error) {
	ready := make(chan struct{})
	var run *supervisor.Run

	onSession := cb.OnSessionID
	cb.OnSessionID = func(id string) {
		if onSession != nil {
			onSession(id)
		}
		<-ready
		t.publish(events.Event{
			Type:     events.EventTypeRunSessionID,
			RunID:    run.ID(),
			Provider: run.Provider(),
			Payload:  events.RunSessionID{SessionID: id},
		})
	}

	started, err := t.starter.Start(ctx, provider, opts, cb)
	if err != nil {
		close(ready)
		return nil, err
	}
	run = started
	close(ready)

	t.mu.Lock()
	t.runs[run.ID()] = run
	t.mu.Unlock()

	if run.PID() != 0 {
		t.publish(events.Event{
			Type:     events.EventTypeRunStarted,
			RunID:    run.ID(),
			Provider: run.Provider(),
			Payload:  events.RunStarted{Transport: run.Transport(), PID: run.PID(), WorkDir: opts.WorkDir},
		})
	}
	t.logger.Debug("run tracked", "run_id", run.ID(), "provider", run.Provider())

	t.wg.Add(1)
	go t.watch(run)
	return run, nil
}

func (t *Table) watch(run *supervisor.Run) {
	defer t.wg.Done()
	<-run.Done()

	t.mu.Lock()
	delete(t.runs, run.ID())
	t.mu.Unlock()

	result, _ := run.Result()
	severity := events.SeverityInfo
	switch result.Kind {
	case supervisor.KindFailure:
		severity = events.SeverityError
	case supervisor.KindRawOutput:
		severity = events.SeverityWarn
	}
	t.publish(events.Event{
		Type:     events.EventTypeRunSettled,
		RunID:    run.ID(),
		Provider: run.Provider(),
		Severity: severity,
		Payload: events.RunSettled{
			Kind:      string(result.Kind),
			Reason:    string(result.Reason),
			ExitCode:  result.ExitCode,
			SessionID: result.SessionID,
			Summary:   result.Summary(),
			Duration:  result.Duration,
		},
	})
	t.logger.Debug("run untracked", "run_id", run.ID(), "kind", result.Kind)
}

// Get returns the live run with id.
func (t *Table) Get(id string) (*supervisor.Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[strings.TrimSpace(id)]
	return run, ok
}

// List returns the live runs ordered by id.
func (t *Table) List() []*supervisor.Run {
	t.mu.RLock()
	out := make([]*supervisor.Run, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of live runs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.runs)
}

// Write sends text to the input of run id.
func (t *Table) Write(id, text string) error {
	run, ok := t.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	return run.Write(text)
}

// Cancel cancels run id.
func (t *Table) Cancel(id string) error {
	run, ok := t.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	run.Cancel()
	return nil
}

// CancelAll cancels every live run.
func (t *Table) CancelAll() {
	for _, run := range t.List() {
		run.Cancel()
	}
}

// Wait blocks until every tracked run has settled and its events were
// published, or ctx ends.
func (t *Table) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Table) publish(event events.Event) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(event)
}
