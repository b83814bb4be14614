package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/agentvisor/internal/harness"
	"github.com/ship-commander/agentvisor/internal/registry"
	"github.com/ship-commander/agentvisor/internal/transport"
)

// startScript registers body as provider "agent" and starts it with the
// real transports.
func startScript(t *testing.T, body string, opts harness.RunOptions, extra ...Option) (*Run, *registry.Registry, *logRecorder) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(newScriptProvider(t, "agent", body)))

	sup, err := New(reg, append([]Option{WithKillGrace(200 * time.Millisecond)}, extra...)...)
	require.NoError(t, err)

	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.Message == "" {
		opts.Message = "go"
	}
	logs := &logRecorder{}
	run, err := sup.Start(context.Background(), "agent", opts, logs.callbacks())
	require.NoError(t, err)
	return run, reg, logs
}

func TestProcessSuccessShapeTerminatesProvider(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "terminated")
	script := `trap 'echo term > "$1"; exit 0' TERM
printf '%s\n' '{"type":"result","subtype":"success","result":"done"}'
sleep 30 &
wait
`
	run, reg, _ := startScript(t, script, harness.RunOptions{Message: marker, DisablePTY: true})

	result := waitResult(t, run)
	require.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "done", result.Text)
	assert.Equal(t, transport.NamePipe, result.Transport)
	assert.False(t, reg.IsActive("agent"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "provider never saw SIGTERM")
}

func TestProcessDuplicateAssistantAcrossChunks(t *testing.T) {
	script := `msg='{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'
printf '%s\n' "$msg"
sleep 0.1
printf '%s\n' "$msg"
`
	run, _, logs := startScript(t, script, harness.RunOptions{DisablePTY: true})
	result := waitResult(t, run)

	assert.Len(t, logs.lines(LevelJSON), 1)
	assert.Equal(t, KindRawOutput, result.Kind)
	assert.Equal(t, ReasonNonJSONExit, result.Reason)
}

func TestProcessExitCodeTwoWithoutJSONFails(t *testing.T) {
	run, reg, logs := startScript(t, "echo 'cannot continue' >&2\nexit 2\n", harness.RunOptions{DisablePTY: true})
	result := waitResult(t, run)

	require.Equal(t, KindFailure, result.Kind)
	assert.Equal(t, 2, result.ExitCode)
	assert.ErrorIs(t, result.Err, ErrNonZeroExit)
	assert.Contains(t, result.Output, "cannot continue")
	assert.Contains(t, logs.lines(LevelStream), "cannot continue")
	assert.False(t, reg.IsActive("agent"))
}

func TestProcessLongMessageArrivesOnStdin(t *testing.T) {
	script := `n=$(wc -c | tr -d ' ')
printf '{"type":"result","result":"%s"}\n' "$n"
`
	message := strings.Repeat("a", harness.MaxInlineMessageLen+1000)
	run, _, _ := startScript(t, script, harness.RunOptions{Message: message, DisablePTY: true})
	result := waitResult(t, run)

	require.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "4000", result.Text)
}

func TestProcessIdleTimeout(t *testing.T) {
	script := "echo started\nsleep 30\n"
	run, reg, logs := startScript(t, script, harness.RunOptions{DisablePTY: true},
		WithIdleTimeout(150*time.Millisecond),
		WithIdleCheckInterval(20*time.Millisecond),
	)
	result := waitResult(t, run)

	require.Equal(t, KindRawOutput, result.Kind)
	assert.Equal(t, ReasonIdleTimeout, result.Reason)
	assert.Contains(t, result.Output, "started")
	assert.False(t, reg.IsActive("agent"))

	count := len(logs.snapshot())
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, logs.snapshot(), count)
}

func TestProcessCancel(t *testing.T) {
	run, reg, _ := startScript(t, "sleep 30\n", harness.RunOptions{DisablePTY: true})
	run.Cancel()
	result := waitResult(t, run)

	assert.True(t, result.Cancelled)
	assert.False(t, reg.IsActive("agent"))
}

func TestProcessUnderPTY(t *testing.T) {
	if !(transport.PTY{}).Available() {
		t.Skip("pseudo-terminal not available")
	}
	script := `printf 'plain line\n'
printf '%s\n' '{"type":"result","subtype":"success","result":"it'"'"'s done"}'
sleep 30
`
	run, reg, logs := startScript(t, script, harness.RunOptions{Message: "it's a message"})
	result := waitResult(t, run)

	require.Equal(t, KindSuccess, result.Kind)
	assert.Equal(t, "it's done", result.Text)
	assert.Equal(t, transport.NamePTY, result.Transport)
	assert.Contains(t, logs.lines(LevelStream), "plain line")
	assert.False(t, reg.IsActive("agent"))
}
