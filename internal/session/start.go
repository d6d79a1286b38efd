package session

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant"
	"github.com/anneschuth/claude-threads-sub002/internal/common/appctx"
	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
	"github.com/anneschuth/claude-threads-sub002/internal/telemetry"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

const (
	spawnTimeout         = 30 * time.Second
	worktreeOpTimeout    = 30 * time.Second
	contextPromptTimeout = 2 * time.Minute
	typingInterval       = 3 * time.Second
)

// startSession creates a session for a thread, spawns the assistant and
// delivers the first prompt. branch is non-empty when the first message
// named a worktree ("on branch X ..." or "!worktree switch X").
func (m *Manager) startSession(client platform.Client, post *platform.Post, user *platform.User, prompt, branch string) {
	threadID := post.RootThreadID()

	if m.isShuttingDown() {
		m.postNotice(client, threadID, "🛑 The bot is shutting down; try again once it is back.")
		return
	}
	if active := m.registry.Len(); active >= m.cfg.Sessions.MaxSessions {
		m.postNotice(client, threadID,
			fmt.Sprintf("🚫 Session limit reached (%d active). Try again when one ends.", active))
		return
	}

	s := newSession(client.ID(), threadID, post.ChannelID, user.Username, user.DisplayName, m.nextSessionNumber())
	s.setWorkingDir(m.initialWorkingDir(client.ID(), threadID))
	s.setFirstPrompt(prompt)

	s.messages = message.NewManager(message.Config{
		PlatformID:    client.ID(),
		ThreadID:      threadID,
		Platform:      client,
		Bus:           m.bus,
		Logger:        m.log,
		FlushDebounce: m.cfg.Sessions.FlushDebounce(),
	})
	s.messages.Start()
	m.registry.Add(s)

	// The child's working directory is fixed at spawn, so the worktree
	// question has to settle first.
	awaitWorktree := false
	if branch != "" {
		awaitWorktree = m.setupWorktree(s, branch)
	}

	m.postSessionStart(s, client)
	m.subscribeSession(s, client)

	if awaitWorktree {
		s.setQueuedPrompt(prompt, nil)
		m.checkpoint(s)
		return
	}

	if err := m.spawnAssistant(s, client); err != nil {
		m.failSession(s, "Failed to start the assistant: "+err.Error())
		return
	}

	m.publishSession(events.SessionStarted, s, map[string]interface{}{"owner": user.Username})

	// Mid-thread mentions can carry earlier discussion as context.
	if prompt != "" && post.ThreadID != "" && m.offerContextPrompt(s, client, prompt) {
		m.checkpoint(s)
		m.refreshStickies(true)
		return
	}

	// A bare mention in an existing thread defers the history offer to
	// the first real message.
	if prompt == "" && post.ThreadID != "" {
		s.setNeedsContextPrompt(true)
	}

	m.sendToAssistant(s, prompt)
	m.checkpoint(s)
	m.refreshStickies(true)

	m.log.Info("session started",
		zap.String("session", s.Key()),
		zap.Int("number", s.Number()),
		zap.String("owner", user.Username),
		zap.String("working_dir", s.WorkingDir()))
}

// initialWorkingDir resolves the directory a new session starts in:
// a !cd issued before start, then the configured default, then the
// process working directory.
func (m *Manager) initialWorkingDir(platformID, threadID string) string {
	if dir := m.takePendingDir(platformID, threadID); dir != "" {
		return dir
	}
	if dir := config.ExpandHome(m.cfg.Claude.WorkingDir); dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// setupWorktree resolves the requested branch to a worktree. Returns
// true when an existing worktree triggered a join/skip prompt and the
// spawn must wait for its answer.
func (m *Manager) setupWorktree(s *Session, branch string) bool {
	if m.worktrees == nil || !m.worktrees.Enabled() {
		s.Messages().System().Post(message.SystemWarning,
			"Worktrees are disabled; starting in the default directory.")
		return false
	}

	if info, ok := m.worktrees.Existing(branch); ok {
		if s.WorktreePromptDisabled() {
			s.setWorktree(info, false)
			m.worktrees.Retain(info.Path, s.Key())
			return false
		}
		s.Messages().Prompts().ExecuteWorktreePrompt(info.Branch, info.Path)
		return true
	}

	ctx, cancel := m.worktreeCtx()
	defer cancel()

	repoRoot, err := workspace.RepoRoot(ctx, s.WorkingDir())
	if err != nil {
		s.Messages().System().Post(message.SystemWarning,
			fmt.Sprintf("Cannot create a worktree for %q: %s is not a git repository.", branch, s.WorkingDir()))
		return false
	}
	info, err := m.worktrees.Create(ctx, repoRoot, branch)
	if err != nil {
		s.Messages().System().Post(message.SystemWarning,
			fmt.Sprintf("Worktree for %q could not be created: %s", branch, err.Error()))
		return false
	}
	s.setWorktree(info, true)
	m.worktrees.Retain(info.Path, s.Key())
	return false
}

// postSessionStart creates the pinned session-start post carrying the
// cancel and escape reactions.
func (m *Manager) postSessionStart(s *Session, client platform.Client) {
	f := client.Formatter()
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 %s #%d started by %s\n",
		f.FormatBold("Session"), s.Number(), f.FormatUserMention(s.Owner()))
	if wt := s.Worktree(); wt != nil {
		b.WriteString("🌿 worktree " + f.FormatCode(wt.Branch) + " at " + f.FormatCode(wt.Path) + "\n")
	} else {
		b.WriteString("📁 " + f.FormatCode(s.WorkingDir()) + "\n")
	}
	b.WriteString("\nReact 🛑 to cancel or ✋ to interrupt. " + f.FormatCode("!help") + " lists commands.")

	ctx, cancel := callCtx()
	post, err := client.CreateInteractivePost(ctx, s.ThreadID, b.String(),
		[]string{emoji.NameCancel, emoji.NameEscape})
	cancel()
	if err != nil {
		m.log.Warn("session start post failed", zap.String("session", s.Key()), zap.Error(err))
		return
	}

	s.setStartPostID(post.ID)
	m.registry.RegisterPost(post.ID, s)
	s.Messages().Tracker().Register(post.ID, message.PostMeta{Role: message.RoleSessionStart})

	pinCtx, pinCancel := callCtx()
	_ = client.PinPost(pinCtx, post.ID)
	pinCancel()
}

// spawnAssistant launches the child for a session and starts its event
// pump and typing loop.
func (m *Manager) spawnAssistant(s *Session, client platform.Client) error {
	opts := assistant.Options{
		Binary:          m.cfg.Claude.Binary,
		ExtraArgs:       m.cfg.Claude.ExtraArgs,
		Model:           m.cfg.Claude.Model,
		WorkDir:         s.WorkingDir(),
		ResumeSessionID: s.ClaudeSessionID(),
		SkipPermissions: m.cfg.Claude.SkipPermissions && !s.ForceInteractive(),
		UsePTY:          m.cfg.Claude.UsePTY,
	}
	r := m.newRunner(opts)

	ctx, cancel := appctx.Detached(m.stopCh, spawnTimeout)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		return err
	}

	s.setExpectExit(false)
	s.setRunner(r)

	m.wg.Add(1)
	go m.pumpEvents(s, client, r)
	m.startTyping(s, client)
	return nil
}

func (m *Manager) productionRunner(opts assistant.Options) runner {
	return assistant.New(opts, m.log)
}

// pumpEvents forwards child events into the message manager until the
// event stream closes with the process.
func (m *Manager) pumpEvents(s *Session, client platform.Client, r runner) {
	defer m.wg.Done()

	for ev := range r.Events() {
		s.Touch()
		telemetry.TraceAssistantEvent(context.Background(), string(ev.Type), s.PlatformID, s.ThreadID)
		if id := r.SessionID(); id != "" {
			s.setClaudeSessionID(id)
		}
		if ev.Type == assistant.EventResult {
			s.setBusy(false)
			s.markIdleIfActive()
		}

		s.Messages().HandleEvent(ev)

		if ev.Type == assistant.EventResult {
			if url := findPullRequestURL(ev.ResultText); url != "" {
				s.setPullRequestURL(url)
			}
			m.checkpoint(s)
		}
	}

	m.handleAssistantExit(s, r)
}

var pullRequestPattern = regexp.MustCompile(`https?://\S+?/(?:pull|merge_requests)/\d+`)

// findPullRequestURL picks the last pull request link out of a result
// message. Sessions remember it so "what was that PR again?" survives
// a restart.
func findPullRequestURL(text string) string {
	matches := pullRequestPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// handleAssistantExit runs after the event stream closes. Expected exits
// (stop, pause, kill, worktree switch) are silent; anything else ends
// the session with a status post. The detailed error with the stderr
// tail has already been posted through the event stream.
func (m *Manager) handleAssistantExit(s *Session, r runner) {
	s.stopTyping()
	s.setBusy(false)

	if s.expectingExit() {
		return
	}

	code := r.ExitCode()
	m.log.Warn("assistant exited unexpectedly",
		zap.String("session", s.Key()),
		zap.Int("exit_code", code))

	m.publishSession(events.AssistantExited, s, map[string]interface{}{"exit_code": code})

	if s.Lifecycle() == LifecyclePaused {
		return
	}
	s.Messages().System().Post(message.SystemWarning,
		fmt.Sprintf("Session #%d ended: the assistant process exited (code %d).", s.Number(), code))
	m.teardownSession(s, true)
}

// startTyping shows a typing indicator while the assistant is mid-turn,
// when the adapter supports one.
func (m *Manager) startTyping(s *Session, client platform.Client) {
	typer, ok := client.(platform.Typer)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.setTypingCancel(cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(typingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !s.Busy() {
					continue
				}
				tctx, tcancel := callCtx()
				_ = typer.SendTyping(tctx, s.ThreadID)
				tcancel()
			}
		}
	}()
}

// offerContextPrompt asks whether earlier thread messages should ride
// along with the prompt. Returns false when the adapter cannot read
// history or the thread has none.
func (m *Manager) offerContextPrompt(s *Session, client platform.Client, prompt string) bool {
	reader, ok := client.(platform.ThreadReader)
	if !ok {
		return false
	}

	ctx, cancel := callCtx()
	count, err := reader.ThreadMessageCount(ctx, s.ThreadID)
	cancel()
	if err != nil {
		m.log.Debug("thread message count failed", zap.String("session", s.Key()), zap.Error(err))
		return false
	}
	options := historyOptions(count)
	if len(options) == 0 {
		return false
	}

	prompts := s.Messages().Prompts()
	prompts.ExecuteContextPrompt(prompt, nil, count, options)
	s.setContextTimer(time.AfterFunc(contextPromptTimeout, prompts.ResolveContextTimeout))
	return true
}

// historyOptions picks the history depths offered for a thread with
// count earlier messages.
func historyOptions(count int) []int {
	var opts []int
	for _, n := range []int{1, 3, 5, 10} {
		if n <= count {
			opts = append(opts, n)
		}
	}
	return opts
}

// failSession tears down a session that never became usable.
func (m *Manager) failSession(s *Session, text string) {
	m.log.Error("session start failed", zap.String("session", s.Key()), zap.String("reason", text))
	s.Messages().System().Post(message.SystemError, text)
	m.teardownSession(s, true)
}
