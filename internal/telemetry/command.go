package telemetry

import (
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const maxCommandPreviewBytes = 1024

// RecordCommand records a redacted preview of the spawned command line.
func (r *AgentRun) RecordCommand(path string, args []string, message string) {
	if r == nil || r.span == nil {
		return
	}
	r.span.SetAttributes(attribute.String("command", CommandPreview(path, args, message)))
}

// CommandPreview renders binary and args for logs and traces. Credential
// flags are masked and the message argument is replaced by a placeholder.
func CommandPreview(path string, args []string, message string) string {
	masked := make([]string, len(args))
	for i, arg := range args {
		if message != "" && arg == message {
			masked[i] = "<message>"
			continue
		}
		masked[i] = arg
	}
	return truncatePreview(FormatCommand(filepath.Base(path), redactArgs(masked)), maxCommandPreviewBytes)
}

// FormatCommand joins the non-empty parts of a command line.
func FormatCommand(binary string, args []string) string {
	parts := append([]string{strings.TrimSpace(binary)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// IsSensitiveKey reports whether a flag, config key or env name looks like
// it holds a credential.
func IsSensitiveKey(value string) bool {
	value = strings.ToLower(value)
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api_key",
		"api-key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.HasPrefix(trimmed, "-") && strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if IsSensitiveKey(parts[0]) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if strings.HasPrefix(trimmed, "-") && IsSensitiveKey(trimmed) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func truncatePreview(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}
