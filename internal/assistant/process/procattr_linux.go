//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so all
// child processes can be killed together. Pdeathsig additionally kills the
// child when this process dies without a chance to call Stop.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// killProcessGroup kills the entire process group for the given PID.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
