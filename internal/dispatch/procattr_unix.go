//go:build unix && !linux

package dispatch

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent in its own process group so any children
// it forks can be signalled together. Pdeathsig is Linux-only; on these
// platforms orphan cleanup relies on the explicit terminate path.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the agent's process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup force-kills the agent's process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
