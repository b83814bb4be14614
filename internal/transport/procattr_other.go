//go:build !linux

package transport

import "syscall"

func pipeProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
