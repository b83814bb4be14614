package codex

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ship-commander/agentvisor/internal/harness"
)

const (
	// Name is the registry key of the Codex provider.
	Name        = "codex"
	displayName = "Codex CLI"
	binary      = "codex"
	apiKeyEnv   = "OPENAI_API_KEY"
	stdinPrompt = "-"
)

var (
	modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

	knownLocations = []string{
		"~/.local/bin/codex",
		"~/.npm-global/bin/codex",
		"/usr/local/bin/codex",
		"/opt/homebrew/bin/codex",
	}

	sessionIDPaths = []string{"thread_id", "session_id", "msg.session_id", "conversation_id"}

	extraShapes = []harness.Shape{
		{
			Name: "task_complete",
			Match: func(v gjson.Result) bool {
				return v.Get("msg.type").Str == "task_complete"
			},
			Text: func(v gjson.Result) string {
				return v.Get("msg.last_agent_message").Str
			},
		},
		{
			Name: "turn_completed",
			Match: func(v gjson.Result) bool {
				return v.Get("type").Str == "turn.completed"
			},
		},
	}
)

// DriverConfig configures the Codex provider.
type DriverConfig struct {
	Binary string
	Model  string
	Env    map[string]string
}

// Driver runs `codex exec --json` non-interactively.
type Driver struct {
	harness.Base
	model string
	env   map[string]string
}

// New constructs the Codex provider.
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
	dialect := harness.Dialect{
		SessionIDPaths: sessionIDPaths,
		ContentKey:     contentKey,
		ExtraShapes:    extraShapes,
	}
	return &Driver{
		Base:  harness.NewBase(desc, resolver, dialect),
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
		return harness.Validation{Err: &harness.ValidationError{Field: "model", Reason: fmt.Sprintf("unsupported codex model %q", model)}}
	}
	return harness.Validation{Valid: true}
}

// BuildArgs produces:
//
//	codex exec --json --skip-git-repo-check -C <dir> [--model m] [resume <id>] <message|->
//
// A prompt of "-" makes codex read it from stdin.
func (d *Driver) BuildArgs(opts harness.RunOptions) (harness.BuildResult, error) {
	message := opts.Message
	useStdin := harness.UseStdinFor(message)

	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if workDir := strings.TrimSpace(opts.WorkDir); workDir != "" {
		args = append(args, "-C", workDir)
	}
	if model := d.resolveModel(opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		args = append(args, "resume", id)
	}
	switch {
	case useStdin:
		args = append(args, stdinPrompt)
	case strings.TrimSpace(message) != "":
		args = append(args, message)
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

// contentKey understands both the item-based exec stream and the older
// msg-wrapped event stream.
func contentKey(v gjson.Result) string {
	if v.Get("type").Str == "item.completed" {
		switch v.Get("item.type").Str {
		case "agent_message", "assistant_message":
			return v.Get("item.text").Str
		}
		return ""
	}
	if v.Get("msg.type").Str == "agent_message" {
		return v.Get("msg.message").Str
	}
	return harness.DefaultContentKey(v)
}

var _ harness.Provider = (*Driver)(nil)
