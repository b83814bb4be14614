package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}\b`)
	apiKeyFlagPattern      = regexp.MustCompile(`(--api-key[= ])(\S+)`)
)

// AgentRunRequest defines telemetry metadata for one supervised agent run.
type AgentRunRequest struct {
	RunID    string
	Provider string
	Model    string
	Message  string
}

// AgentRunOutcome is what the span records when the run settles.
type AgentRunOutcome struct {
	Kind      string
	Reason    string
	ExitCode  int
	Signal    string
	SessionID string
	Err       error
}

// AgentRun tracks one agent.run span lifecycle.
type AgentRun struct {
	span      trace.Span
	startedAt time.Time

	mu     sync.Mutex
	chunks int
	values int
	ended  bool
}

type agentRunContextKey struct{}

// StartAgentRun starts an agent.run span and returns a context carrying the tracker.
func StartAgentRun(ctx context.Context, req AgentRunRequest) (context.Context, *AgentRun) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("run_id", normalizeOrUnknown(req.RunID)),
		attribute.String("provider", normalizeOrUnknown(req.Provider)),
		attribute.String("model", normalizeOrUnknown(req.Model)),
		attribute.Int("message_tokens", EstimateTokenCount(req.Message)),
		attribute.String("message_hash", hashMessage(req.Message)),
	}

	spanCtx, span := otel.Tracer("agentvisor/telemetry/run").Start(
		ctx,
		"agent.run",
		trace.WithAttributes(attrs...),
	)

	run := &AgentRun{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, agentRunContextKey{}, run), run
}

// AgentRunFromContext returns the run tracker if one exists on the context.
func AgentRunFromContext(ctx context.Context) *AgentRun {
	if ctx == nil {
		return nil
	}
	run, ok := ctx.Value(agentRunContextKey{}).(*AgentRun)
	if !ok {
		return nil
	}
	return run
}

// RecordTransport notes the transport the process was started with.
func (r *AgentRun) RecordTransport(name string, pid int) {
	if r == nil || r.span == nil {
		return
	}
	r.span.SetAttributes(
		attribute.String("transport", normalizeOrUnknown(name)),
		attribute.Int("pid", pid),
	)
}

// RecordTransportFallback adds an event when the preferred transport failed.
func (r *AgentRun) RecordTransportFallback(from, to string, err error) {
	if r == nil || r.span == nil {
		return
	}
	message := ""
	if err != nil {
		message = redactSecrets(err.Error())
	}
	r.span.AddEvent(
		"agent.transport_fallback",
		trace.WithAttributes(
			attribute.String("from", normalizeOrUnknown(from)),
			attribute.String("to", normalizeOrUnknown(to)),
			attribute.String("error_message", message),
		),
	)
}

// RecordSessionID adds an event each time the provider reports a new session id.
func (r *AgentRun) RecordSessionID(sessionID string) {
	if r == nil || r.span == nil {
		return
	}
	r.span.AddEvent(
		"agent.session_id",
		trace.WithAttributes(attribute.String("session_id", normalizeOrUnknown(sessionID))),
	)
}

// RecordOutput counts output chunks and structured values seen.
func (r *AgentRun) RecordOutput(chunks, values int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.chunks += chunks
	r.values += values
	r.mu.Unlock()
}

// End finalizes the agent.run span with the outcome and latency.
func (r *AgentRun) End(outcome AgentRunOutcome) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	chunks, values := r.chunks, r.values
	r.mu.Unlock()

	durationMS := time.Since(r.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	attrs := []attribute.KeyValue{
		attribute.String("result_kind", normalizeOrUnknown(outcome.Kind)),
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("output_chunks", chunks),
		attribute.Int("structured_values", values),
		attribute.Int("exit_code", outcome.ExitCode),
	}
	if reason := strings.TrimSpace(outcome.Reason); reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	if signal := strings.TrimSpace(outcome.Signal); signal != "" {
		attrs = append(attrs, attribute.String("signal", signal))
	}
	r.span.SetAttributes(attrs...)
	r.span.AddEvent(
		"agent.settled",
		trace.WithAttributes(
			attribute.String("result_kind", normalizeOrUnknown(outcome.Kind)),
			attribute.String("session_id", strings.TrimSpace(outcome.SessionID)),
		),
	)

	if outcome.Err != nil {
		message := redactSecrets(outcome.Err.Error())
		r.span.AddEvent("agent.error", trace.WithAttributes(attribute.String("error_message", message)))
		r.span.SetStatus(codes.Error, message)
	} else {
		r.span.SetStatus(codes.Ok, "agent run settled")
	}
	r.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

// RedactSecrets masks credentials in free text before it is logged or traced.
func RedactSecrets(input string) string {
	return redactSecrets(input)
}

func hashMessage(message string) string {
	sum := sha256.Sum256([]byte(redactSecrets(message)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = apiKeyFlagPattern.ReplaceAllString(redacted, "$1<redacted>")
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
