//go:build !linux

package supervisor

import "syscall"

// sysProcAttr returns process attributes for spawned workers. Pdeathsig is
// Linux-only; elsewhere workers only get their own process group.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
