//go:build linux

package supervisor

import "syscall"

// sysProcAttr returns process attributes for spawned workers:
//   - Pdeathsig: kernel sends SIGTERM to the worker if this process dies,
//     so a crashed server does not leave orphaned workers behind
//   - Setpgid: workers get their own process group so terminal signals to
//     the server do not propagate directly
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}
