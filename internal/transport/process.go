package transport

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ship-commander/agentvisor/internal/stream"
)

const readBufferSize = 32 * 1024

// process is the Handle shared by both transports. The transports differ
// only in how the process is started, written to and interrupted.
type process struct {
	name string
	cmd  *exec.Cmd
	pid  int

	out    chan Chunk
	exited chan ExitInfo
	stop   chan struct{}

	readers   sync.WaitGroup
	stopOnce  sync.Once
	cleanupMu sync.Mutex
	cleanup   []func()

	write     func(p []byte) error
	interrupt func() error
}

func newProcess(name string, cmd *exec.Cmd) *process {
	return &process{
		name:   name,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		out:    make(chan Chunk, 16),
		exited: make(chan ExitInfo, 1),
		stop:   make(chan struct{}),
	}
}

// pump forwards reads from r until end of file or error. After Close the
// data is still read and discarded, so a chatty process never blocks on a
// full pipe while it is being torn down.
func (p *process) pump(source stream.Source, r io.Reader) {
	p.readers.Add(1)
	go func() {
		defer p.readers.Done()
		buf := make([]byte, readBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case p.out <- Chunk{Source: source, Data: data}:
				case <-p.stop:
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// reap waits for every reader, then for the process, then publishes the
// exit. Must be called after all pump calls.
func (p *process) reap() {
	go func() {
		p.readers.Wait()
		err := p.cmd.Wait()
		close(p.out)
		p.exited <- exitInfo(p.cmd.ProcessState, err)
	}()
}

func (p *process) PID() int { return p.pid }
func (p *process) Transport() string { return p.name }
func (p *process) Output() <-chan Chunk { return p.out }
func (p *process) Exited() <-chan ExitInfo { return p.exited }

func (p *process) Write(data []byte) error {
	if p.write == nil {
		return ErrStdinClosed
	}
	return p.write(data)
}

func (p *process) Signal(sig syscall.Signal) error {
	return signalGroup(p.pid, sig)
}

func (p *process) Interrupt() error {
	if p.interrupt != nil {
		return p.interrupt()
	}
	return p.Signal(syscall.SIGINT)
}

func (p *process) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.cleanupMu.Lock()
	cleanup := p.cleanup
	p.cleanup = nil
	p.cleanupMu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

func (p *process) onClose(fn func()) {
	p.cleanupMu.Lock()
	p.cleanup = append(p.cleanup, fn)
	p.cleanupMu.Unlock()
}

// signalGroup delivers sig to the process group led by pid, falling back to
// the process itself when it never became a group leader.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func exitInfo(state *os.ProcessState, err error) ExitInfo {
	if state == nil {
		return ExitInfo{Code: -1, Err: err}
	}
	info := ExitInfo{Code: state.ExitCode()}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		info.Signal = unix.SignalName(status.Signal())
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		info.Err = err
	}
	return info
}

// mergeEnv layers overrides onto base, replacing existing keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, entry)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, key+"="+overrides[key])
	}
	return out
}
