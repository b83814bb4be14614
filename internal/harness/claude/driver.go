package claude

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ship-commander/agentvisor/internal/harness"
)

const (
	// Name is the registry key of the Claude provider.
	Name        = "claude"
	displayName = "Claude Code"
	binary      = "claude"
	apiKeyEnv   = "ANTHROPIC_API_KEY"
)

var (
	modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\[\]-]*$`)

	knownLocations = []string{
		"~/.claude/local/claude",
		"~/.local/bin/claude",
		"~/.npm-global/bin/claude",
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	}

	sessionIDPaths = []string{"session_id", "sessionId", "message.session_id"}
)

// DriverConfig configures the Claude provider.
type DriverConfig struct {
	// Binary overrides binary discovery with an explicit path.
	Binary string
	// Model is used when a run does not name one.
	Model string
	// Env is exported to every run.
	Env map[string]string
}

// Driver runs the Claude Code CLI in print mode with stream-json output.
type Driver struct {
	harness.Base
	model string
	env   map[string]string
}

// New constructs the Claude provider.
func New(cfg DriverConfig) *Driver {
	resolver := harness.NewResolver(harness.ResolverConfig{
		Binary:         binary,
		Override:       cfg.Binary,
		KnownLocations: knownLocations,
	})
	desc := harness.Descriptor{
		Name:        Name,
		DisplayName: displayName,
		Capabilities: harness.Capabilities{
			SupportsSessionResumption: true,
			SupportsStreaming:         true,
			SupportsToolCalls:         true,
			SupportsModelSelection:    true,
		},
	}
	return &Driver{
		Base:  harness.NewBase(desc, resolver, harness.Dialect{SessionIDPaths: sessionIDPaths}),
		model: strings.TrimSpace(cfg.Model),
		env:   cfg.Env,
	}
}

// ValidateOptions adds model name checks to the shared validation.
func (d *Driver) ValidateOptions(opts harness.RunOptions) harness.Validation {
	if v := d.Base.ValidateOptions(opts); !v.Valid {
		return v
	}
	if model := d.resolveModel(opts.Model); model != "" && !modelPattern.MatchString(model) {
		return harness.Validation{Err: &harness.ValidationError{Field: "model", Reason: fmt.Sprintf("unsupported claude model %q", model)}}
	}
	return harness.Validation{Valid: true}
}

// BuildArgs produces:
//
//	claude -p [message] --output-format stream-json --verbose [--model m] [--resume id]
//
// Long messages are left off the command line and piped on stdin.
func (d *Driver) BuildArgs(opts harness.RunOptions) (harness.BuildResult, error) {
	message := opts.Message
	useStdin := harness.UseStdinFor(message)

	args := []string{"-p"}
	if !useStdin && strings.TrimSpace(message) != "" {
		args = append(args, message)
	}
	args = append(args, "--output-format", "stream-json", "--verbose")
	if model := d.resolveModel(opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		args = append(args, "--resume", id)
	}

	result := harness.BuildResult{
		Args: args,
		Env:  harness.MergeEnv(d.env, apiKeyEnv, opts.APIKey),
	}
	if useStdin {
		result.UseStdin = true
		result.StdinData = message
	}
	return result, nil
}

func (d *Driver) resolveModel(explicit string) string {
	if model := strings.TrimSpace(explicit); model != "" {
		return model
	}
	return d.model
}

var _ harness.Provider = (*Driver)(nil)
