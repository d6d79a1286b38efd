//go:build windows

package process

import "os"

// terminateProcess kills the process. Windows has no SIGTERM, termination
// is immediate.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// interruptProcess kills the process. Windows cannot deliver Ctrl-C to a
// process in another group, so interruption degrades to termination.
func interruptProcess(p *os.Process) error {
	return p.Kill()
}
