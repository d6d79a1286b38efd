//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminateProcess sends SIGTERM for graceful shutdown.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// interruptProcess sends SIGINT, the same signal Ctrl-C would deliver.
func interruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
