package harness

import (
	"encoding/json"
	"time"

	"github.com/ship-commander/agentvisor/internal/stream"
)

// MaxInlineMessageLen is the longest message, in runes, passed as a command
// line argument. Longer messages are delivered on the process input channel
// so the OS argument limit and terminal line limits never apply.
const MaxInlineMessageLen = 3000

// RunOptions configures one agent invocation.
type RunOptions struct {
	Message   string
	WorkDir   string
	SessionID string
	Model     string
	APIKey    string
	// DisablePTY selects the pipe transport. The zero value prefers a
	// pseudo-terminal when the host supports one.
	DisablePTY bool
	// Timeout is the absolute run deadline. Zero disables it.
	Timeout         time.Duration
	SessionMetadata map[string]string
}

// Capabilities advertises what a provider CLI supports.
type Capabilities struct {
	SupportsSessionResumption bool `json:"supports_session_resumption" yaml:"supports_session_resumption"`
	SupportsStreaming         bool `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsToolCalls         bool `json:"supports_tool_calls" yaml:"supports_tool_calls"`
	SupportsModelSelection    bool `json:"supports_model_selection" yaml:"supports_model_selection"`
	RequiresAPIKey            bool `json:"requires_api_key" yaml:"requires_api_key"`
}

// Descriptor identifies a provider. It never changes after registration.
type Descriptor struct {
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Info is the metadata answer for a single provider.
type Info struct {
	Name            string       `json:"name"`
	DisplayName     string       `json:"display_name"`
	Version         string       `json:"version"`
	Capabilities    Capabilities `json:"capabilities"`
	Description     string       `json:"description"`
	SupportedModels []string     `json:"supported_models,omitempty"`
}

// Availability is the answer of one availability probe.
type Availability struct {
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Available    bool         `json:"available"`
	ResolvedPath string       `json:"resolved_path,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Error        string       `json:"error,omitempty"`
}

// Validation is the outcome of ValidateOptions.
type Validation struct {
	Valid bool
	Err   error
}

// BuildResult is everything needed to spawn the provider CLI.
type BuildResult struct {
	Args      []string
	Env       map[string]string
	UseStdin  bool
	StdinData string
}

// OutputKind discriminates parsed output items.
type OutputKind string

const (
	KindStructured OutputKind = "structured"
	KindPlainText  OutputKind = "plain_text"
)

// OutputItem is one unit of parsed provider output.
type OutputItem struct {
	Kind OutputKind
	// Text is set for plain-text items.
	Text string
	// Raw and Canonical are set for structured items. Canonical is the
	// key-sorted serialization used for logging.
	Raw       json.RawMessage
	Canonical string
	// Duplicate marks a structured value whose content was already forwarded
	// during this run.
	Duplicate bool
}

// ExitStatus classifies how the provider process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Provider adapts one agent CLI's argument grammar and output dialect.
//
// Methods never return errors for expected absence (missing binary, missing
// session id); they return typed empty or negative results instead.
type Provider interface {
	Descriptor() Descriptor
	Info() Info
	ResolveCLIPath() (string, error)
	ValidateOptions(opts RunOptions) Validation
	CheckAvailability() Availability
	BuildArgs(opts RunOptions) (BuildResult, error)
	ParseOutput(chunk string, pc *stream.Context) []OutputItem
	FlushOutput(pc *stream.Context) []OutputItem
	ExtractSessionID(raw []byte) string
	ClassifyExit(code int, signal string) ExitStatus
	SuccessShapes() []Shape
	ExtractOptions() stream.Options
}
