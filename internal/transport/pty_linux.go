//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ship-commander/agentvisor/internal/stream"
)

const (
	ptyColumns = 240
	ptyRows    = 60
	ptyShell   = "/bin/sh"
)

// PTY runs the provider inside an interactive shell attached to a
// pseudo-terminal. CLIs that only stream when they see a terminal behave as
// they would for a user.
type PTY struct {
	// Shell is the POSIX shell started on the terminal. Empty means /bin/sh.
	Shell string
}

func (PTY) Name() string { return NamePTY }

// Available reports whether a pseudo-terminal can be allocated.
func (PTY) Available() bool {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return false
	}
	master.Close()
	return true
}

// Start allocates a terminal pair, starts the shell on the slave side and
// types the command line. A stdin payload is staged in a private temporary
// file and redirected into the command: a terminal cannot carry an end of
// file inside the data, and canonical line limits would cut long prompts.
// Arguments holding control bytes are staged the same way so ^C or ^Z in a
// message never reaches the line discipline as a signal.
func (t PTY) Start(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Path) == "" {
		return nil, fmt.Errorf("start pty process: path is required")
	}

	command := ShellCommand{Dir: spec.Dir, Path: spec.Path, Args: spec.Args}
	var staged []string
	removeStaged := func() {
		for _, path := range staged {
			_ = os.Remove(path)
		}
	}
	if spec.UseStdin && spec.Stdin != "" {
		path, err := stagePrivate("agentvisor-stdin-*", spec.Stdin)
		if err != nil {
			return nil, fmt.Errorf("stage stdin: %w", err)
		}
		staged = append(staged, path)
		command.StdinFile = path
	}
	for i, arg := range spec.Args {
		if !HasControlBytes(arg) {
			continue
		}
		path, err := stagePrivate("agentvisor-arg-*", arg)
		if err != nil {
			removeStaged()
			return nil, fmt.Errorf("stage argument %d: %w", i, err)
		}
		staged = append(staged, path)
		if command.ArgFiles == nil {
			command.ArgFiles = map[int]string{}
		}
		command.ArgFiles[i] = path
	}

	master, slavePath, err := openPTY()
	if err != nil {
		removeStaged()
		return nil, fmt.Errorf("allocate pty: %w", err)
	}
	slave, err := os.OpenFile(slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		removeStaged()
		return nil, fmt.Errorf("open pty slave %s: %w", slavePath, err)
	}
	if err := configureTerminal(int(slave.Fd())); err != nil {
		slave.Close()
		master.Close()
		removeStaged()
		return nil, err
	}
	_ = setWindowSize(int(master.Fd()), ptyColumns, ptyRows)

	shell := t.Shell
	if shell == "" {
		shell = ptyShell
	}
	cmd := exec.Command(shell)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), withShellEnv(spec.Env))
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		removeStaged()
		return nil, fmt.Errorf("start %s on pty: %w", shell, err)
	}
	// The child holds its own copies of the slave descriptor.
	slave.Close()

	proc := newProcess(NamePTY, cmd)
	proc.pump(stream.SourcePTY, eioAsEOF{master})
	proc.reap()
	proc.write = func(p []byte) error {
		_, err := master.Write(p)
		return err
	}
	proc.interrupt = func() error {
		_, err := master.Write([]byte{0x03})
		return err
	}
	proc.onClose(removeStaged)
	proc.onClose(func() { _ = master.Close() })

	if _, err := io.WriteString(master, command.Line()); err != nil {
		_ = proc.Signal(syscall.SIGKILL)
		_ = proc.Close()
		return nil, fmt.Errorf("write command line to pty: %w", err)
	}
	return proc, nil
}

// openPTY allocates a master/slave pair through the Linux devpts interface.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}
	fd := int(master.Fd())

	ptyNumber, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get pty number (TIOCGPTN): %w", err)
	}
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock pty slave (TIOCSPTLCK): %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// configureTerminal turns off echo and line editing so the typed command
// and the provider's own output are not mixed. ISIG stays on so ^C still
// interrupts the foreground job.
func configureTerminal(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("read terminal attributes: %w", err)
	}
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.IEXTEN
	termios.Lflag |= unix.ISIG
	termios.Oflag &^= unix.OPOST
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("write terminal attributes: %w", err)
	}
	return nil
}

func setWindowSize(fd int, columns, rows uint16) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Col: columns, Row: rows})
}

// stagePrivate writes data to a new 0600 temporary file named after
// pattern and returns its path.
func stagePrivate(pattern, data string) (string, error) {
	file, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	path := file.Name()
	if err := file.Chmod(0o600); err != nil {
		file.Close()
		os.Remove(path)
		return "", err
	}
	if _, err := file.WriteString(data); err != nil {
		file.Close()
		os.Remove(path)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// withShellEnv silences prompts and startup files of the interactive shell.
func withShellEnv(env map[string]string) map[string]string {
	out := map[string]string{
		"PS1":  "",
		"PS2":  "",
		"ENV":  "",
		"TERM": "dumb",
	}
	for k, v := range env {
		out[k] = v
	}
	return out
}

// eioAsEOF maps the EIO a Linux pty master returns once every slave
// descriptor is closed to a plain end of file.
type eioAsEOF struct {
	r io.Reader
}

func (e eioAsEOF) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}
