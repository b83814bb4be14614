package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ship-commander/agentvisor/internal/stream"
)

// Pipe starts the process directly with separate stdout and stderr pipes.
type Pipe struct{}

func (Pipe) Name() string { return NamePipe }
func (Pipe) Available() bool { return true }

// Start execs spec.Path. Stdin receives spec.Stdin (when UseStdin) and is
// then closed, so CLIs that read their prompt until end of file never wait.
func (Pipe) Start(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Path) == "" {
		return nil, fmt.Errorf("start pipe process: path is required")
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = pipeProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	proc := newProcess(NamePipe, cmd)
	proc.pump(stream.SourceStdout, stdout)
	proc.pump(stream.SourceStderr, stderr)
	proc.reap()

	go deliverStdin(stdin, spec)
	return proc, nil
}

func deliverStdin(stdin io.WriteCloser, spec Spec) {
	defer stdin.Close()
	if spec.UseStdin && spec.Stdin != "" {
		_, _ = io.WriteString(stdin, spec.Stdin)
	}
}
