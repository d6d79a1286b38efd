// Package process manages the assistant subprocess lifecycle.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
)

// Status represents the subprocess status.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// errorWrapper wraps an error so it can be stored in atomic.Value (which cannot store nil)
type errorWrapper struct {
	err error
}

// defaultStderrBufferSize is the number of recent stderr lines to keep for error context
const defaultStderrBufferSize = 50

// Config describes the subprocess to run.
type Config struct {
	Binary  string
	Args    []string
	WorkDir string
	Env     []string
	// UsePTY runs the process inside a pseudo terminal. Some CLI builds
	// refuse to stream output without a controlling terminal.
	UsePTY bool
}

// Runner starts and supervises a single CLI subprocess. Stdin and Stdout
// expose the wire streams; stderr is buffered for error context.
type Runner struct {
	cfg    Config
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	ptmx   PtyHandle

	status   atomic.Value // Status
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	stderrBuffer []string
	stderrMu     sync.RWMutex

	mu      sync.RWMutex
	wg      sync.WaitGroup
	doneCh  chan struct{}
	startMu sync.Mutex
}

// NewRunner creates a runner for the given command.
func NewRunner(cfg Config, log *logger.Logger) *Runner {
	r := &Runner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "process-runner")),
	}
	r.status.Store(StatusStopped)
	r.exitCode.Store(-1)
	return r
}

// Status returns the current process status.
func (r *Runner) Status() Status {
	return r.status.Load().(Status)
}

// ExitCode returns the exit code (-1 if not exited).
func (r *Runner) ExitCode() int {
	return int(r.exitCode.Load())
}

// ExitError returns the exit error if any.
func (r *Runner) ExitError() error {
	if v := r.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// Pid returns the process id, or 0 before Start.
func (r *Runner) Pid() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cmd != nil && r.cmd.Process != nil {
		return r.cmd.Process.Pid
	}
	return 0
}

// Stdin returns the process input stream. Valid after Start.
func (r *Runner) Stdin() io.Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ptmx != nil {
		return r.ptmx
	}
	return r.stdin
}

// Stdout returns the process output stream. Valid after Start.
func (r *Runner) Stdout() io.Reader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ptmx != nil {
		return r.ptmx
	}
	return r.stdout
}

// Done is closed when the process has exited.
func (r *Runner) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doneCh
}

// Start launches the subprocess.
func (r *Runner) Start(_ context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.Status() == StatusRunning || r.Status() == StatusStarting {
		return fmt.Errorf("process is already running")
	}
	if r.cfg.Binary == "" {
		return fmt.Errorf("no binary configured")
	}

	r.logger.Info("starting process",
		zap.String("binary", r.cfg.Binary),
		zap.Strings("args", r.cfg.Args),
		zap.String("workdir", r.cfg.WorkDir),
		zap.Bool("pty", r.cfg.UsePTY))

	r.status.Store(StatusStarting)
	r.exitCode.Store(-1)
	r.exitErr.Store(errorWrapper{err: nil})

	// NOTE: We intentionally don't use exec.CommandContext because the caller's
	// context ends with the request that started the session, not with the session.
	cmd := exec.Command(r.cfg.Binary, r.cfg.Args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = r.cfg.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	var err error
	if r.cfg.UsePTY {
		err = r.startPTY(cmd)
	} else {
		err = r.startPipes(cmd)
	}
	if err != nil {
		r.status.Store(StatusError)
		return err
	}

	r.mu.Lock()
	r.cmd = cmd
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.waitForExit()
	if r.stderr != nil {
		r.wg.Add(1)
		go r.readStderr()
	}

	r.status.Store(StatusRunning)
	r.logger.Info("process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// startPipes wires plain stdin/stdout/stderr pipes and starts the process
// in its own process group so children can be killed together.
func (r *Runner) startPipes(cmd *exec.Cmd) error {
	setProcGroup(cmd)

	var err error
	r.stdin, err = cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	r.stdout, err = cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	r.stderr, err = cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}
	return nil
}

// startPTY starts the process inside a pseudo terminal. Stderr is merged
// into the PTY stream, so no separate stderr buffer is available.
// Note: no Setpgid here, the PTY session manages the process group.
func (r *Runner) startPTY(cmd *exec.Cmd) error {
	ptmx, err := startPTYWithSize(cmd, 200, 50)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	r.ptmx = ptmx
	return nil
}

// Interrupt sends an interrupt signal to the process. This is the
// out-of-band fallback for when the wire protocol stops responding.
func (r *Runner) Interrupt() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	return interruptProcess(r.cmd.Process)
}

// Kill force-kills the process and its children immediately.
func (r *Runner) Kill() error {
	r.mu.RLock()
	cmd := r.cmd
	r.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("process not running")
	}

	r.status.Store(StatusStopping)
	pid := cmd.Process.Pid
	if err := killProcessGroup(pid); err != nil {
		r.logger.Debug("failed to kill process group, trying single process", zap.Error(err))
		return cmd.Process.Kill()
	}
	return nil
}

// Stop shuts the process down. Stdin is closed first so the CLI can exit on
// its own; when the context expires the process group is killed.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()

	status := r.Status()
	if status == StatusStopped || status == StatusStopping {
		r.mu.Unlock()
		return nil
	}
	r.status.Store(StatusStopping)
	r.logger.Info("stopping process")

	if r.stdin != nil {
		if err := r.stdin.Close(); err != nil {
			r.logger.Debug("failed to close stdin", zap.Error(err))
		}
	}
	if r.ptmx != nil {
		// Closing the PTY delivers SIGHUP to the foreground process group
		if err := r.ptmx.Close(); err != nil {
			r.logger.Debug("failed to close pty", zap.Error(err))
		}
	}

	cmd := r.cmd
	doneCh := r.doneCh
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		r.status.Store(StatusStopped)
		return nil
	}

	if err := terminateProcess(cmd.Process); err != nil {
		r.logger.Debug("failed to signal process", zap.Error(err))
	}

	select {
	case <-doneCh:
		r.logger.Info("process stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("force killing process", zap.Int("pid", cmd.Process.Pid))
		if err := killProcessGroup(cmd.Process.Pid); err != nil {
			if err := cmd.Process.Kill(); err != nil {
				r.logger.Warn("failed to kill process", zap.Error(err))
			}
		}
	}

	r.status.Store(StatusStopped)
	return nil
}

// readStderr reads and buffers stderr from the process.
func (r *Runner) readStderr() {
	defer r.wg.Done()

	scanner := bufio.NewScanner(r.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		r.logger.Debug("process stderr", zap.String("line", line))
		r.appendStderr(line)
	}

	if err := scanner.Err(); err != nil {
		r.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// appendStderr adds a line to the stderr ring buffer
func (r *Runner) appendStderr(line string) {
	r.stderrMu.Lock()
	defer r.stderrMu.Unlock()

	cleanLine := stripANSI(line)

	if len(r.stderrBuffer) >= defaultStderrBufferSize {
		// Ring buffer: drop oldest line
		r.stderrBuffer = r.stderrBuffer[1:]
	}
	r.stderrBuffer = append(r.stderrBuffer, cleanLine)
}

// RecentStderr returns a copy of the recent stderr lines.
func (r *Runner) RecentStderr() []string {
	r.stderrMu.RLock()
	defer r.stderrMu.RUnlock()

	result := make([]string, len(r.stderrBuffer))
	copy(result, r.stderrBuffer)
	return result
}

// waitForExit waits for the process to exit and records the outcome.
func (r *Runner) waitForExit() {
	defer r.wg.Done()

	r.mu.RLock()
	cmd := r.cmd
	doneCh := r.doneCh
	r.mu.RUnlock()

	defer close(doneCh)

	err := cmd.Wait()
	if err != nil {
		r.exitErr.Store(errorWrapper{err: err})
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			r.exitCode.Store(int32(exitCode))
		}
		r.logger.Warn("process exited with error",
			zap.Error(err),
			zap.Int("exit_code", exitCode),
			zap.Strings("recent_stderr", r.RecentStderr()))
	} else {
		r.exitCode.Store(0)
		r.logger.Info("process exited cleanly")
	}

	r.status.Store(StatusStopped)
}
