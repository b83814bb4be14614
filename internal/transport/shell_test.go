package transport

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":            "''",
		"plain":       "'plain'",
		"it's":        `'it'\''s'`,
		"$(rm -rf /)": "'$(rm -rf /)'",
		"a b\nc":      "'a b\nc'",
		`back\slash"`: `'back\slash"'`,
	}
	for input, want := range tests {
		if got := ShellQuote(input); got != want {
			t.Fatalf("ShellQuote(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestShellQuoteRoundTripsThroughShell(t *testing.T) {
	t.Parallel()

	values := []string{"it's", "$HOME `id` ;|&", "tab\there", "*?[]", "'''"}
	for _, value := range values {
		out, err := exec.Command("/bin/sh", "-c", "printf '%s' "+ShellQuote(value)).Output()
		if err != nil {
			t.Fatalf("sh printf %q: %v", value, err)
		}
		if string(out) != value {
			t.Fatalf("round trip = %q, want %q", out, value)
		}
	}
}

func TestShellCommandLine(t *testing.T) {
	t.Parallel()

	line := ShellCommand{
		Dir:       "/work dir",
		Path:      "/usr/bin/claude",
		Args:      []string{"-p", "don't stop"},
		StdinFile: "/tmp/in",
	}.Line()
	want := `cd '/work dir' && exec '/usr/bin/claude' '-p' 'don'\''t stop' < '/tmp/in' || exit 127` + "\n"
	if line != want {
		t.Fatalf("line = %q, want %q", line, want)
	}

	bare := ShellCommand{Path: "codex"}.Line()
	if !strings.HasPrefix(bare, "exec 'codex'") || strings.Contains(bare, "<") {
		t.Fatalf("line = %q", bare)
	}
}

func TestShellCommandReadsStagedArgs(t *testing.T) {
	t.Parallel()

	line := ShellCommand{
		Path:     "/usr/bin/agent",
		Args:     []string{"-p", "ignored", "--flag"},
		ArgFiles: map[int]string{1: "/tmp/arg 1", 7: "/tmp/out-of-range"},
	}.Line()
	want := `_av1=$(cat '/tmp/arg 1' && printf .) && exec '/usr/bin/agent' '-p' "${_av1%.}" '--flag' || exit 127` + "\n"
	if line != want {
		t.Fatalf("line = %q, want %q", line, want)
	}
}

func TestStagedArgKeepsExactBytes(t *testing.T) {
	t.Parallel()

	value := "stop\x03 now\x1a\x1c\n\n"
	path := filepath.Join(t.TempDir(), "arg")
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		t.Fatal(err)
	}
	line := ShellCommand{Path: "printf", Args: []string{"%s", value}, ArgFiles: map[int]string{1: path}}.Line()
	out, err := exec.Command("/bin/sh", "-c", strings.TrimSuffix(line, "\n")).Output()
	if err != nil {
		t.Fatalf("sh %q: %v", line, err)
	}
	if string(out) != value {
		t.Fatalf("staged arg = %q, want %q", out, value)
	}
}

func TestHasControlBytes(t *testing.T) {
	t.Parallel()

	for value, want := range map[string]bool{
		"plain text":   false,
		"unicode ✓":    false,
		"line\nbreak": true,
		"tab\there":   true,
		"ctrl\x03c":   true,
		"del\x7f":     true,
	} {
		if got := HasControlBytes(value); got != want {
			t.Fatalf("HasControlBytes(%q) = %v, want %v", value, got, want)
		}
	}
}
