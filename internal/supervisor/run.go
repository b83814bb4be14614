package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/registry"
	"github.com/ship-commander/agentvisor/internal/stream"
	"github.com/ship-commander/agentvisor/internal/telemetry"
	"github.com/ship-commander/agentvisor/internal/telemetry/invariants"
	"github.com/ship-commander/agentvisor/internal/transport"
	"go.opentelemetry.io/otel/trace"
)

// sourceOrder fixes the order buffers are flushed in at exit.
var sourceOrder = []stream.Source{stream.SourcePTY, stream.SourceStdout, stream.SourceStderr}

type contentKeyer interface {
	ContentKey(raw []byte) string
}

// Run is one supervised provider process. All output handling happens on a
// single goroutine; the exported methods are safe for concurrent use.
type Run struct {
	id       string
	provider harness.Provider
	desc     harness.Descriptor
	opts     harness.RunOptions
	cb       Callbacks
	logger   *log.Logger
	sup      *Supervisor
	shapes   []harness.Shape
	started  time.Time

	handle  transport.Handle
	lease   *registry.Lease
	span    *telemetry.AgentRun
	spanCtx context.Context

	stateMu sync.Mutex
	state   State

	settled    atomic.Bool
	done       chan struct{}
	result     Result
	cancel     chan struct{}
	cancelOnce sync.Once

	// Owned by the run loop.
	dedupe       *stream.Deduper
	contexts     map[stream.Source]*stream.Context
	partial      map[stream.Source][]byte
	output       *tailBuffer
	sessionID    string
	lastContent  string
	providerErr  string
	lastActivity time.Time
	exited       bool
}

func newRun(s *Supervisor, id string, provider harness.Provider, opts harness.RunOptions, cb Callbacks) *Run {
	return &Run{
		id:       id,
		provider: provider,
		desc:     provider.Descriptor(),
		opts:     opts,
		cb:       cb,
		logger:   s.logger,
		sup:      s,
		shapes:   provider.SuccessShapes(),
		started:  time.Now(),
		state:    StateIdle,
		done:     make(chan struct{}),
		cancel:   make(chan struct{}),
		dedupe:   stream.NewDeduper(),
		contexts: make(map[stream.Source]*stream.Context),
		partial:  make(map[stream.Source][]byte),
		output:   newTailBuffer(MaxOutputBytes),
	}
}

func (r *Run) attach(handle transport.Handle) {
	r.handle = handle
	r.lastActivity = time.Now()
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Provider returns the provider's registry name.
func (r *Run) Provider() string { return r.desc.Name }

// PID returns the process id, or 0 when nothing was spawned.
func (r *Run) PID() int {
	if r.handle == nil {
		return 0
	}
	return r.handle.PID()
}

// Transport names the transport the process runs under.
func (r *Run) Transport() string {
	if r.handle == nil {
		return ""
	}
	return r.handle.Transport()
}

// SpanContext identifies the agent.run span. It is invalid when tracing is
// off or the run was never started.
func (r *Run) SpanContext() trace.SpanContext {
	return trace.SpanContextFromContext(r.spanCtx)
}

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// Write sends text to the process input.
func (r *Run) Write(text string) error {
	if r.settled.Load() || r.handle == nil {
		return ErrRunSettled
	}
	return r.handle.Write([]byte(text))
}

// Kill signals the process group. The run settles once the process exits.
func (r *Run) Kill(sig syscall.Signal) error {
	if r.settled.Load() || r.handle == nil {
		return nil
	}
	return r.handle.Signal(sig)
}

// Interrupt asks the process to stop the way a terminal user would.
func (r *Run) Interrupt() error {
	if r.settled.Load() || r.handle == nil {
		return nil
	}
	return r.handle.Interrupt()
}

// Cancel settles the run as a cancelled Failure and tears the process down.
// It is idempotent and a no-op once the run has settled.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

// Done is closed once the Result is available.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome and true once the run has settled.
func (r *Run) Result() (Result, bool) {
	select {
	case <-r.done:
		return r.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the run settles or ctx ends.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (r *Run) transition(to State) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if !isAllowed(r.state, to) {
		err := &IllegalTransitionError{RunID: r.id, From: r.state, To: to}
		r.logger.Error("illegal run transition", "run_id", r.id, "err", err)
		invariants.CheckTransition(r.spanCtx, "supervisor.run.transition", "run", string(r.state), string(to), false)
		return
	}
	r.state = to
}

func (r *Run) loop(ctx context.Context) {
	var idle <-chan time.Time
	if r.sup.idleTimeout > 0 {
		ticker := time.NewTicker(r.sup.idleCheck)
		defer ticker.Stop()
		idle = ticker.C
	}
	var deadline <-chan time.Time
	if r.opts.Timeout > 0 {
		timer := time.NewTimer(r.opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	out := r.handle.Output()
	exited := r.handle.Exited()
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			if r.handleChunk(chunk) {
				return
			}
		case info := <-exited:
			r.handleExit(out, info)
			return
		case now := <-idle:
			if now.Sub(r.lastActivity) >= r.sup.idleTimeout {
				r.emit(LevelWarn, fmt.Sprintf("no output for %s, stopping", r.sup.idleTimeout))
				r.settle(Result{Kind: KindRawOutput, Reason: ReasonIdleTimeout})
				return
			}
		case <-deadline:
			r.emit(LevelWarn, fmt.Sprintf("run exceeded %s, stopping", r.opts.Timeout))
			r.settle(Result{Kind: KindRawOutput, Reason: ReasonTimeout})
			return
		case <-r.cancel:
			r.settle(Result{Kind: KindFailure, Cancelled: true, ExitCode: -1, Err: ErrCancelled})
			return
		case <-ctx.Done():
			r.settle(Result{Kind: KindFailure, Cancelled: true, ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())})
			return
		}
	}
}

// handleChunk runs one read through the parse pipeline and reports whether
// the run settled.
func (r *Run) handleChunk(chunk transport.Chunk) bool {
	r.lastActivity = time.Now()
	r.span.RecordOutput(1, 0)

	data := append(r.partial[chunk.Source], chunk.Data...)
	complete, rest := splitIncompleteRune(data)
	r.partial[chunk.Source] = rest
	return r.handleText(chunk.Source, stream.Sanitize(string(complete)))
}

func (r *Run) handleText(source stream.Source, text string) bool {
	if text == "" {
		return false
	}
	r.output.WriteString(text)
	return r.handleItems(r.provider.ParseOutput(text, r.contextFor(source)))
}

func (r *Run) handleItems(items []harness.OutputItem) bool {
	for _, item := range items {
		if item.Kind != harness.KindStructured {
			r.emit(LevelStream, item.Text)
			continue
		}
		if r.handleValue(item) {
			return true
		}
	}
	return false
}

func (r *Run) handleValue(item harness.OutputItem) bool {
	r.span.RecordOutput(0, 1)
	if id := r.provider.ExtractSessionID(item.Raw); id != "" && id != r.sessionID {
		r.sessionID = id
		r.span.RecordSessionID(id)
		if r.cb.OnSessionID != nil {
			r.cb.OnSessionID(id)
		}
	}
	if !item.Duplicate {
		r.emit(LevelJSON, item.Canonical)
	}
	if keyer, ok := r.provider.(contentKeyer); ok {
		if text := keyer.ContentKey(item.Raw); text != "" {
			r.lastContent = text
		}
	}

	match, ok := harness.MatchShape(r.shapes, item.Raw)
	if !ok {
		return false
	}
	if match.IsError {
		r.providerErr = match.Text
		r.emit(LevelError, match.Text)
		return false
	}
	text := match.Text
	if text == "" {
		text = r.lastContent
	}
	return r.settle(Result{Kind: KindSuccess, Text: text, Raw: item.Raw})
}

// handleExit drains what the process wrote before exiting, runs the final
// extraction pass and settles on the exit status.
func (r *Run) handleExit(out <-chan transport.Chunk, info transport.ExitInfo) {
	r.exited = true
	if out != nil {
		for chunk := range out {
			if r.handleChunk(chunk) {
				return
			}
		}
	}
	for _, source := range sourceOrder {
		if rest := r.partial[source]; len(rest) > 0 {
			delete(r.partial, source)
			if r.handleText(source, stream.Sanitize(string(rest))) {
				return
			}
		}
		pc, ok := r.contexts[source]
		if !ok {
			continue
		}
		if r.handleItems(r.provider.FlushOutput(pc)) {
			return
		}
	}

	status := r.provider.ClassifyExit(info.Code, info.Signal)
	cause := status.Err
	if cause == nil {
		cause = info.Err
	}
	if cause == nil && (status.Code != 0 || status.Signal != "") {
		cause = fmt.Errorf("exit code %d", status.Code)
		if status.Signal != "" {
			cause = fmt.Errorf("signal %s", status.Signal)
		}
	}
	if cause == nil {
		r.settle(Result{Kind: KindRawOutput, Reason: ReasonNonJSONExit})
		return
	}
	r.settle(Result{Kind: KindFailure, ExitCode: status.Code, Signal: status.Signal, Err: fmt.Errorf("%w: %w", ErrNonZeroExit, cause)})
}

func (r *Run) contextFor(source stream.Source) *stream.Context {
	pc, ok := r.contexts[source]
	if !ok {
		pc = r.sup.newContext(r.dedupe)
		r.contexts[source] = pc
	}
	return pc
}

// settle records result once. Later calls return false and change nothing.
func (r *Run) settle(result Result) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	r.transition(StateSettling)

	result.Output = r.output.String()
	result.SessionID = r.sessionID
	result.ProviderError = r.providerErr
	result.Transport = r.Transport()
	result.Duration = time.Since(r.started)

	r.teardown()
	r.lease.Release()
	r.span.End(telemetry.AgentRunOutcome{
		Kind:      string(result.Kind),
		Reason:    string(result.Reason),
		ExitCode:  result.ExitCode,
		Signal:    result.Signal,
		SessionID: result.SessionID,
		Err:       result.Err,
	})

	r.result = result
	r.transition(StateSettled)
	r.logger.Info("run settled",
		"run_id", r.id,
		"provider", r.desc.Name,
		"kind", result.Kind,
		"reason", result.Reason,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
	)
	close(r.done)
	return true
}

// teardown stops output delivery and, when the process is still alive,
// sends SIGTERM to its group and escalates to SIGKILL after the grace
// period.
func (r *Run) teardown() {
	if r.handle == nil {
		return
	}
	_ = r.handle.Close()
	if r.exited {
		return
	}
	_ = r.handle.Signal(syscall.SIGTERM)
	go r.reap(r.handle, r.sup.killGrace)
}

func (r *Run) reap(handle transport.Handle, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-handle.Exited():
		return
	case <-timer.C:
	}
	if err := handle.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("kill provider process", "run_id", r.id, "pid", handle.PID(), "err", err)
	}
	timer.Reset(grace)
	select {
	case <-handle.Exited():
	case <-timer.C:
		r.logger.Warn("provider process did not exit after SIGKILL", "run_id", r.id, "pid", handle.PID())
	}
}

func (r *Run) emit(level Level, line string) {
	if r.cb.OnLog == nil || r.settled.Load() {
		return
	}
	meta := map[string]string{
		"provider":              r.desc.Name,
		"provider_display_name": r.desc.DisplayName,
		"run_id":                r.id,
	}
	if r.sessionID != "" {
		meta["session_id"] = r.sessionID
	}
	r.cb.OnLog(LogEntry{Level: level, Line: line, Meta: meta})
}

// splitIncompleteRune holds back a multi-byte rune cut off by a read
// boundary so the sanitizer never sees half of it.
func splitIncompleteRune(b []byte) ([]byte, []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], append([]byte(nil), b[i:]...)
	}
	return b, nil
}
