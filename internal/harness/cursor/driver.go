package cursor

import (
	"os"
	"strings"

	"github.com/ship-commander/agentvisor/internal/harness"
)

const (
	// Name is the registry key of the Cursor provider.
	Name        = "cursor"
	displayName = "Cursor Agent"
	binary      = "cursor-agent"
	apiKeyEnv   = "CURSOR_API_KEY"
)

var (
	knownLocations = []string{
		"~/.local/bin/cursor-agent",
		"~/.cursor/bin/cursor-agent",
		"/usr/local/bin/cursor-agent",
		"/opt/homebrew/bin/cursor-agent",
	}

	sessionIDPaths = []string{"session_id", "chatId", "chat_id"}
)

// DriverConfig configures the Cursor provider.
type DriverConfig struct {
	Binary string
	Model  string
	Env    map[string]string
}

// Driver runs the headless Cursor agent CLI with stream-json output.
type Driver struct {
	harness.Base
	model     string
	env       map[string]string
	lookupEnv func(key string) (string, bool)
}

// New constructs the Cursor provider.
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
			RequiresAPIKey:            true,
		},
	}
	return &Driver{
		Base:      harness.NewBase(desc, resolver, harness.Dialect{SessionIDPaths: sessionIDPaths}),
		model:     strings.TrimSpace(cfg.Model),
		env:       cfg.Env,
		lookupEnv: os.LookupEnv,
	}
}

// ValidateOptions requires an API key from the run, the provider env, or
// the host environment.
func (d *Driver) ValidateOptions(opts harness.RunOptions) harness.Validation {
	if v := d.Base.ValidateOptions(opts); !v.Valid {
		return v
	}
	if d.apiKey(opts) == "" {
		return harness.Validation{Err: &harness.ValidationError{Field: "api_key", Reason: "cursor requires an API key or " + apiKeyEnv}}
	}
	return harness.Validation{Valid: true}
}

// BuildArgs produces:
//
//	cursor-agent -p [message] --output-format stream-json [--model m] [--resume id] [--api-key k]
func (d *Driver) BuildArgs(opts harness.RunOptions) (harness.BuildResult, error) {
	message := opts.Message
	useStdin := harness.UseStdinFor(message)

	args := []string{"-p"}
	if !useStdin && strings.TrimSpace(message) != "" {
		args = append(args, message)
	}
	args = append(args, "--output-format", "stream-json")
	if model := d.resolveModel(opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		args = append(args, "--resume", id)
	}
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		args = append(args, "--api-key", key)
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

func (d *Driver) apiKey(opts harness.RunOptions) string {
	if key := strings.TrimSpace(opts.APIKey); key != "" {
		return key
	}
	if key := strings.TrimSpace(d.env[apiKeyEnv]); key != "" {
		return key
	}
	if d.lookupEnv != nil {
		if key, ok := d.lookupEnv(apiKeyEnv); ok {
			return strings.TrimSpace(key)
		}
	}
	return ""
}

func (d *Driver) resolveModel(explicit string) string {
	if model := strings.TrimSpace(explicit); model != "" {
		return model
	}
	return d.model
}

var _ harness.Provider = (*Driver)(nil)
