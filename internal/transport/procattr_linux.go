//go:build linux

package transport

import "syscall"

// pipeProcAttr puts the child in its own process group and has the kernel
// signal it if the supervisor dies first.
func pipeProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
