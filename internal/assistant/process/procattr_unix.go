//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so all
// child processes can be killed together. Pdeathsig is Linux-only; on these
// platforms orphan cleanup relies on explicit Stop calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
