// Package invariants records broken runtime invariants as span events so they
// show up next to the run that tripped them.
package invariants

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventName is the span event emitted for every violation.
const EventName = "invariant.violation"

const (
	// TransitionLegal requires runs to follow the lifecycle transition table.
	TransitionLegal = "state_transition_legal"
	// LeaseBalanced requires every lease release to find an in-flight count.
	LeaseBalanced = "active_count_non_negative"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

var descriptions = map[string]string{
	TransitionLegal: "run follows the lifecycle transition table",
	LeaseBalanced:   "lease release matches an in-flight run",
}

var disabled atomic.Bool

// SetEnabled turns reporting on or off process-wide.
func SetEnabled(enabled bool) {
	disabled.Store(!enabled)
}

// Enabled reports whether violations are being recorded.
func Enabled() bool {
	return !disabled.Load()
}

// Violation describes one broken invariant.
type Violation struct {
	Invariant string
	Severity  Severity
	// Where names the code location, e.g. "supervisor.run.transition".
	Where  string
	Reason string
	// Fields are emitted as context.<key> attributes; blank values are
	// skipped.
	Fields map[string]string
}

func (v Violation) attributes() []attribute.KeyValue {
	name := strings.TrimSpace(v.Invariant)
	if name == "" {
		name = "unknown_invariant"
	}
	severity := v.Severity
	if severity != SeverityWarn {
		severity = SeverityError
	}

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", name),
		attribute.String("severity", string(severity)),
		attribute.String("where_detected", strings.TrimSpace(v.Where)),
		attribute.String("why_violated", strings.TrimSpace(v.Reason)),
	}
	if what, ok := descriptions[name]; ok {
		attrs = append(attrs, attribute.String("what_invariant", what))
	}

	keys := make([]string, 0, len(v.Fields))
	for key, value := range v.Fields {
		if strings.TrimSpace(value) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, attribute.String("context."+key, strings.TrimSpace(v.Fields[key])))
	}
	return attrs
}

// Report adds v as an event on the span in ctx. Without a recording span a
// one-off span carries the event instead.
func Report(ctx context.Context, v Violation) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opt := trace.WithAttributes(v.attributes()...)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(EventName, opt)
		return
	}
	_, span := otel.Tracer("agentvisor/invariants").Start(ctx, EventName)
	span.AddEvent(EventName, opt)
	span.End()
}

// CheckTransition reports an illegal lifecycle move of entity and returns
// legal unchanged.
func CheckTransition(ctx context.Context, where, entity, from, to string, legal bool) bool {
	if !legal {
		Report(ctx, Violation{
			Invariant: TransitionLegal,
			Severity:  SeverityError,
			Where:     where,
			Reason:    entity + " cannot move from " + from + " to " + to,
			Fields:    map[string]string{"entity_type": entity, "from_state": from, "to_state": to},
		})
	}
	return legal
}

// CheckRelease reports a lease release for provider when its in-flight count
// is already zero or below. It returns whether the release is balanced.
func CheckRelease(ctx context.Context, where, provider string, inFlight int) bool {
	if inFlight > 0 {
		return true
	}
	Report(ctx, Violation{
		Invariant: LeaseBalanced,
		Severity:  SeverityWarn,
		Where:     where,
		Reason:    provider + " released with " + strconv.Itoa(inFlight) + " runs in flight",
		Fields:    map[string]string{"provider": provider, "count": strconv.Itoa(inFlight)},
	})
	return false
}
