//go:build unix

package taskproc

import "syscall"

// processGroupAttr configures a child to run in its own process group so
// SIGTERM/SIGKILL escalation can target the whole tree, not just the direct
// child.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
