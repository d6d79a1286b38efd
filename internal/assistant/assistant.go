package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant/process"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
)

// initializeTimeout bounds the handshake that discovers slash commands.
const initializeTimeout = 10 * time.Second

// Options configure one CLI run.
type Options struct {
	// Binary is the CLI executable, looked up on PATH when not absolute.
	Binary string
	// ExtraArgs are appended verbatim to the generated argument list.
	ExtraArgs []string
	// Model selects a model override, empty means the CLI default.
	Model string
	// WorkDir is the working directory the CLI runs in.
	WorkDir string
	// Env is the full environment for the process, nil inherits ours.
	Env []string
	// ResumeSessionID resumes a previous CLI session.
	ResumeSessionID string
	// SkipPermissions passes --dangerously-skip-permissions and auto-approves
	// any permission request that still arrives.
	SkipPermissions bool
	// PermissionMode is an initial permission mode such as "plan".
	PermissionMode string
	// UsePTY runs the CLI inside a pseudo terminal.
	UsePTY bool
}

// Assistant supervises one CLI process and exposes its output as a stream of
// normalized events. Events() closes when the process is gone.
type Assistant struct {
	opts   Options
	logger *logger.Logger

	runner *process.Runner
	client *StreamClient
	norm   *Normalizer

	events chan Event

	mu            sync.RWMutex
	sessionID     string
	slashCommands []string

	stopping atomic.Bool
	stopOnce sync.Once
}

// New creates an assistant for the given options.
func New(opts Options, log *logger.Logger) *Assistant {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	return &Assistant{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "assistant")),
		norm:   NewNormalizer(log),
		events: make(chan Event, 256),
	}
}

// buildArgs assembles the CLI argument list for the configured options.
func buildArgs(opts Options) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return append(args, opts.ExtraArgs...)
}

// Start launches the CLI process and begins reading its stream.
func (a *Assistant) Start(ctx context.Context) error {
	a.runner = process.NewRunner(process.Config{
		Binary:  a.opts.Binary,
		Args:    buildArgs(a.opts),
		WorkDir: a.opts.WorkDir,
		Env:     a.opts.Env,
		UsePTY:  a.opts.UsePTY,
	}, a.logger)

	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start assistant process: %w", err)
	}

	a.client = NewStreamClient(a.runner.Stdin(), a.runner.Stdout(), a.logger)
	a.client.SetRequestHandler(a.handleControlRequest)
	a.client.SetMessageHandler(a.handleMessage)
	a.client.Start(ctx)

	go a.initialize(ctx)
	go a.watchExit()

	return nil
}

// initialize performs the handshake that reports available slash commands.
// Older CLI builds never answer, so failure is not fatal.
func (a *Assistant) initialize(ctx context.Context) {
	resp, err := a.client.Initialize(ctx, initializeTimeout)
	if err != nil {
		a.logger.Debug("initialize handshake failed", zap.Error(err))
		return
	}
	if resp == nil || len(resp.Commands) == 0 {
		return
	}

	names := make([]string, 0, len(resp.Commands))
	for _, cmd := range resp.Commands {
		names = append(names, cmd.Name)
	}
	a.mergeSlashCommands(names)
}

// handleMessage runs on the stream read loop.
func (a *Assistant) handleMessage(msg *CLIMessage) {
	for _, ev := range a.norm.Normalize(msg) {
		if ev.SessionID != "" {
			a.mu.Lock()
			a.sessionID = ev.SessionID
			a.mu.Unlock()
		}
		if ev.Type == EventInit && len(ev.SlashCommands) > 0 {
			a.mergeSlashCommands(ev.SlashCommands)
		}
		a.events <- ev
	}
}

// handleControlRequest runs on the stream read loop. Permission requests are
// either auto-approved or surfaced as an approval event; the caller answers
// later via RespondToAction.
func (a *Assistant) handleControlRequest(requestID string, req *ControlRequest) {
	if req.Subtype != SubtypeCanUseTool {
		a.logger.Debug("denying unsupported control request",
			zap.String("subtype", req.Subtype),
			zap.String("request_id", requestID))
		_ = a.client.SendControlResponse(&ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: requestID,
			Response: &ControlResponse{
				Subtype: "error",
				Error:   fmt.Sprintf("unsupported control request: %s", req.Subtype),
			},
		})
		return
	}

	if a.opts.SkipPermissions {
		a.logger.Debug("auto-approving tool use",
			zap.String("tool", req.ToolName),
			zap.String("request_id", requestID))
		_ = a.RespondToAction(requestID, true, "")
		return
	}

	a.events <- Event{
		Type:      EventActionApproval,
		SessionID: a.SessionID(),
		RequestID: requestID,
		ToolName:  req.ToolName,
		ToolInput: req.Input,
		ToolUseID: req.ToolUseID,
	}
}

// watchExit closes the event stream once the process is gone. An exit that
// was not requested through Stop or Kill is reported as an error event with
// recent stderr attached.
func (a *Assistant) watchExit() {
	<-a.runner.Done()

	// Let the read loop drain whatever the CLI wrote before dying, otherwise
	// the final result message can race the channel close.
	select {
	case <-a.client.ReadDone():
	case <-time.After(2 * time.Second):
		a.logger.Warn("read loop did not drain after process exit")
	}
	a.client.Stop()

	if !a.stopping.Load() {
		text := fmt.Sprintf("assistant process exited unexpectedly (exit code %d)", a.runner.ExitCode())
		if stderr := a.runner.RecentStderr(); len(stderr) > 0 {
			tail := stderr
			if len(tail) > 10 {
				tail = tail[len(tail)-10:]
			}
			text = text + "\n" + strings.Join(tail, "\n")
		}
		a.events <- Event{
			Type:      EventError,
			SessionID: a.SessionID(),
			ErrorText: text,
		}
	}
	close(a.events)
}

// Events returns the normalized event stream. It closes after process exit.
func (a *Assistant) Events() <-chan Event {
	return a.events
}

// Done is closed when the CLI process has exited.
func (a *Assistant) Done() <-chan struct{} {
	return a.runner.Done()
}

// SessionID returns the CLI session id, empty until the init message arrives.
func (a *Assistant) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// SlashCommands returns the slash commands the CLI reported.
func (a *Assistant) SlashCommands() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.slashCommands))
	copy(out, a.slashCommands)
	return out
}

func (a *Assistant) mergeSlashCommands(names []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	known := make(map[string]bool, len(a.slashCommands))
	for _, name := range a.slashCommands {
		known[name] = true
	}
	for _, name := range names {
		if !known[name] {
			a.slashCommands = append(a.slashCommands, name)
			known[name] = true
		}
	}
}

// SendMessage sends a user message to the CLI.
func (a *Assistant) SendMessage(text string) error {
	return a.client.SendUserMessage(text)
}

// RespondToAction answers a pending permission request.
func (a *Assistant) RespondToAction(requestID string, allow bool, message string) error {
	behavior := BehaviorDeny
	if allow {
		behavior = BehaviorAllow
	}
	return a.client.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior: behavior,
				Message:  message,
			},
		},
	})
}

// Interrupt asks the CLI to abandon the current turn. If the wire protocol
// is wedged the process gets a signal instead.
func (a *Assistant) Interrupt() error {
	if err := a.client.Interrupt(); err != nil {
		a.logger.Warn("interrupt via protocol failed, signaling process", zap.Error(err))
		return a.runner.Interrupt()
	}
	return nil
}

// SetPermissionMode switches the CLI permission mode.
func (a *Assistant) SetPermissionMode(mode string) error {
	return a.client.SetPermissionMode(mode)
}

// RecentStderr returns the last stderr lines from the process.
func (a *Assistant) RecentStderr() []string {
	return a.runner.RecentStderr()
}

// ExitCode returns the process exit code, -1 while running.
func (a *Assistant) ExitCode() int {
	return a.runner.ExitCode()
}

// Stop shuts the CLI down, closing stdin first so it can exit cleanly.
func (a *Assistant) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.stopping.Store(true)
		a.client.Stop()
		err = a.runner.Stop(ctx)
	})
	return err
}

// Kill force-kills the CLI process.
func (a *Assistant) Kill() error {
	a.stopping.Store(true)
	return a.runner.Kill()
}
