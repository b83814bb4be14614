package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxOutputBytes bounds the accumulated output carried by a Result. Only the
// newest bytes are kept.
const MaxOutputBytes = 1 << 20

var (
	// ErrUnknownProvider rejects a start for a name the registry does not know.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidOptions rejects a start whose options failed validation.
	ErrInvalidOptions = errors.New("invalid run options")
	// ErrProviderUnavailable rejects a start whose provider binary is missing.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrCancelled is the error of a run ended by Cancel or its context.
	ErrCancelled = errors.New("run cancelled")
	// ErrNonZeroExit is the error of a run whose process failed.
	ErrNonZeroExit = errors.New("provider exited with failure")
	// ErrRunSettled reports input sent to a run that has already settled.
	ErrRunSettled = errors.New("run already settled")
)

// Kind tags which variant a Result holds.
type Kind string

const (
	KindSuccess   Kind = "success"
	KindRawOutput Kind = "raw_output"
	KindFailure   Kind = "failure"
)

// Reason says why a RawOutput result carries no extracted answer.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonIdleTimeout Reason = "idle_timeout"
	ReasonNonJSONExit Reason = "non_json_exit"
)

// Result is the single outcome of a run.
//
// Success carries Text and Raw. RawOutput carries Reason. Failure carries
// ExitCode, Signal, Cancelled and Err. Output, the sanitized process output,
// is set for every kind.
type Result struct {
	Kind Kind

	Text string
	Raw  json.RawMessage

	Reason Reason

	ExitCode  int
	Signal    string
	Cancelled bool
	Err       error

	Output string
	// ProviderError is the text of the last value that matched a terminal
	// shape while carrying an explicit error flag.
	ProviderError string
	SessionID     string
	Transport     string
	Duration      time.Duration
}

// Succeeded reports whether an answer was extracted.
func (r Result) Succeeded() bool {
	return r.Kind == KindSuccess
}

// Summary is a one-line description for logs and the CLI.
func (r Result) Summary() string {
	switch r.Kind {
	case KindSuccess:
		return "success"
	case KindRawOutput:
		return fmt.Sprintf("raw output (%s)", r.Reason)
	case KindFailure:
		switch {
		case r.Cancelled:
			return "cancelled"
		case r.Signal != "":
			return fmt.Sprintf("failed: killed by %s", r.Signal)
		case r.Err != nil && !errors.Is(r.Err, ErrNonZeroExit):
			return fmt.Sprintf("failed: %v", r.Err)
		default:
			return fmt.Sprintf("failed: exit code %d", r.ExitCode)
		}
	default:
		return "unknown"
	}
}

// SpawnError reports that no transport could start the provider process.
type SpawnError struct {
	Transport string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn provider via %s: %v", e.Transport, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// tailBuffer keeps the newest limit bytes written to it. Compaction is
// amortized: the backing slice may grow to twice the limit.
type tailBuffer struct {
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = MaxOutputBytes
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) WriteString(s string) {
	t.buf = append(t.buf, s...)
	if len(t.buf) > 2*t.limit {
		t.buf = append(t.buf[:0], t.tail()...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.tail())
}

func (t *tailBuffer) tail() []byte {
	if len(t.buf) <= t.limit {
		return t.buf
	}
	cut := len(t.buf) - t.limit
	for cut < len(t.buf) && !utf8.RuneStart(t.buf[cut]) {
		cut++
	}
	return t.buf[cut:]
}
