package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
	"github.com/anneschuth/claude-threads-sub002/internal/store"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

const stopTimeout = 10 * time.Second

func (m *Manager) clientFor(s *Session) (platform.Client, bool) {
	c, ok := m.platforms[s.PlatformID]
	return c, ok
}

func mention(client platform.Client, username string) string {
	return client.Formatter().FormatUserMention(username)
}

// stopRunner ends the child process. The exit is marked expected so the
// pump's exit handler stays quiet.
func (m *Manager) stopRunner(s *Session, force bool) {
	r := s.Runner()
	if r == nil {
		return
	}
	s.setExpectExit(true)
	if force {
		_ = r.Kill()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		m.log.Debug("graceful stop failed, killing",
			zap.String("session", s.Key()), zap.Error(err))
		_ = r.Kill()
	}
}

// teardownSession removes a session from the runtime. With unpersist the
// stored record is soft-deleted; without it the record stays resumable.
func (m *Manager) teardownSession(s *Session, unpersist bool) {
	s.stopTyping()
	s.stopContextTimer()
	s.unsubscribeAll()
	s.Messages().Stop()

	m.registry.Remove(s.PlatformID, s.ThreadID)
	m.registry.ClearPostsForThread(s.PlatformID, s.ThreadID)
	m.releaseWorktree(s)

	if client, ok := m.clientFor(s); ok {
		if pid := s.StartPostID(); pid != "" {
			ctx, cancel := callCtx()
			_ = client.UnpinPost(ctx, pid)
			cancel()
		}
	}

	if unpersist {
		m.unpersist(s)
	}
	s.setLifecycle(LifecycleEnded)
	s.setRunner(nil)
	m.refreshStickies(true)
}

func (m *Manager) releaseWorktree(s *Session) {
	if m.worktrees == nil {
		return
	}
	if wt := s.Worktree(); wt != nil {
		m.worktrees.Release(wt.Path, s.Key())
	}
}

// cancelSession ends a session on user request and forgets its record.
func (m *Manager) cancelSession(s *Session, byUser string) {
	if lc := s.Lifecycle(); lc == LifecycleEnding || lc == LifecycleEnded {
		return
	}
	s.setLifecycle(LifecycleEnding)

	s.Messages().CancelStream()
	s.Messages().Prompts().Clear()
	s.Messages().Approvals().Clear()
	s.Messages().BugReports().Clear()
	m.stopRunner(s, false)
	s.Messages().System().CleanupEphemeral()

	by := byUser
	if client, ok := m.clientFor(s); ok {
		by = mention(client, byUser)
	}
	s.Messages().System().Post(message.SystemInfo,
		fmt.Sprintf("Session #%d canceled by %s.", s.Number(), by))

	m.publishSession(events.SessionEnded, s,
		map[string]interface{}{"reason": "canceled", "by": byUser})
	m.teardownSession(s, true)

	m.log.Info("session canceled",
		zap.String("session", s.Key()), zap.String("by", byUser))
}

// interruptSession sends an interrupt to the child. Posts stay; the
// session continues on the next follow-up.
func (m *Manager) interruptSession(s *Session, byUser string) {
	r := s.Runner()
	if r == nil {
		return
	}
	if err := r.Interrupt(); err != nil {
		m.log.Warn("interrupt failed", zap.String("session", s.Key()), zap.Error(err))
		return
	}

	s.Messages().Flush()
	s.setBusy(false)
	s.setLifecycle(LifecycleInterrupted)

	by := byUser
	if client, ok := m.clientFor(s); ok {
		by = mention(client, byUser)
	}
	s.Messages().System().Post(message.SystemInfo,
		"✋ Interrupted by "+by+". Send a follow-up to continue.")
	m.publishSession(events.SessionInterrupted, s, map[string]interface{}{"by": byUser})
}

// pauseSession checkpoints a session, posts the resumable lifecycle post
// and stops the child. The stored record keeps the session resumable.
func (m *Manager) pauseSession(s *Session, reason string) {
	if lc := s.Lifecycle(); lc == LifecyclePaused || lc == LifecycleEnding || lc == LifecycleEnded {
		return
	}

	s.Messages().Flush()
	s.setLifecycle(LifecyclePaused)

	if client, ok := m.clientFor(s); ok {
		f := client.Formatter()
		text := fmt.Sprintf("⏸️ %s (%s). React ▶️ to resume.",
			f.FormatBold(fmt.Sprintf("Session #%d paused", s.Number())), reason)
		ctx, cancel := callCtx()
		post, err := client.CreateInteractivePost(ctx, s.ThreadID, text, []string{emoji.NameResume})
		cancel()
		if err != nil {
			m.log.Warn("lifecycle post failed", zap.String("session", s.Key()), zap.Error(err))
		} else {
			s.setLifecyclePostID(post.ID)
		}
	}

	// Persist after the lifecycle post exists so its id survives.
	m.checkpoint(s)

	m.stopRunner(s, false)
	s.stopTyping()
	s.stopContextTimer()
	s.unsubscribeAll()
	s.Messages().Stop()

	m.registry.Remove(s.PlatformID, s.ThreadID)
	m.registry.ClearPostsForThread(s.PlatformID, s.ThreadID)
	m.releaseWorktree(s)

	m.publishSession(events.SessionPaused, s, map[string]interface{}{"reason": reason})
	m.refreshStickies(true)

	m.log.Info("session paused",
		zap.String("session", s.Key()), zap.String("reason", reason))
}

// resumeFromRecord rebuilds a persisted session, re-spawns the child
// with the stored CLI session id and updates the lifecycle post in
// place. byUser is the user whose action triggered the resume.
func (m *Manager) resumeFromRecord(client platform.Client, rec *store.Record, channelID, byUser string) (*Session, error) {
	if m.isShuttingDown() {
		return nil, errors.New("shutting down")
	}
	if s, ok := m.registry.Get(rec.PlatformID, rec.ThreadID); ok {
		return s, nil
	}
	if active := m.registry.Len(); active >= m.cfg.Sessions.MaxSessions {
		m.postNotice(client, rec.ThreadID,
			fmt.Sprintf("🚫 Session limit reached (%d active); cannot resume right now.", active))
		return nil, errors.New("session limit reached")
	}

	s := sessionFromRecord(rec)
	s.setChannelID(channelID)
	s.messages = message.NewManager(message.Config{
		PlatformID:    s.PlatformID,
		ThreadID:      s.ThreadID,
		Platform:      client,
		Bus:           m.bus,
		Logger:        m.log,
		FlushDebounce: m.cfg.Sessions.FlushDebounce(),
	})
	s.messages.Start()
	s.messages.Hydrate(rec.State)
	m.registry.Add(s)

	if pid := rec.SessionStartPostID; pid != "" {
		m.registry.RegisterPost(pid, s)
		s.Messages().Tracker().Register(pid, message.PostMeta{Role: message.RoleSessionStart})
	}
	if pid := rec.LifecyclePostID; pid != "" {
		m.registry.RegisterPost(pid, s)
		s.Messages().Tracker().Register(pid, message.PostMeta{Role: message.RoleLifecycle})
	}
	m.subscribeSession(s, client)

	if wt := s.Worktree(); wt != nil {
		if m.worktrees != nil && workspace.IsValid(wt.Path) {
			s.setWorkingDir(wt.Path)
			m.worktrees.Retain(wt.Path, s.Key())
		} else {
			s.setWorktree(nil, false)
			if wt.RepoRoot != "" {
				s.setWorkingDir(wt.RepoRoot)
			}
			s.Messages().System().Post(message.SystemWarning,
				fmt.Sprintf("The session's worktree %s is gone; continuing in %s.", wt.Path, s.WorkingDir()))
		}
	}

	if err := m.spawnAssistant(s, client); err != nil {
		fails := s.noteResumeFailure()
		s.setLifecycle(LifecyclePaused)
		m.checkpoint(s)

		s.stopContextTimer()
		s.unsubscribeAll()
		s.Messages().Stop()
		m.registry.Remove(s.PlatformID, s.ThreadID)
		m.registry.ClearPostsForThread(s.PlatformID, s.ThreadID)
		m.releaseWorktree(s)

		hint := "Send another message to retry."
		if fails >= maxResumeFailures {
			hint = "The stored conversation was dropped; the next attempt starts fresh."
		}
		m.postNotice(client, s.ThreadID,
			fmt.Sprintf("⚠️ Could not resume session #%d: %s %s", s.Number(), err.Error(), hint))
		m.log.Warn("session resume failed",
			zap.String("session", s.Key()), zap.Int("failures", fails), zap.Error(err))
		return nil, err
	}

	s.clearResumeFailures()
	s.setLifecycle(LifecycleIdle)
	s.Touch()

	if pid := s.LifecyclePostID(); pid != "" {
		f := client.Formatter()
		ctx, cancel := callCtx()
		_, err := client.UpdatePost(ctx, pid,
			"▶️ "+f.FormatBold("Session resumed")+" by "+mention(client, byUser)+".")
		cancel()
		if err != nil {
			m.log.Debug("lifecycle post update failed",
				zap.String("session", s.Key()), zap.Error(err))
		}
	}

	m.publishSession(events.SessionResumed, s, map[string]interface{}{"by": byUser})
	m.checkpoint(s)
	m.refreshStickies(true)

	m.log.Info("session resumed",
		zap.String("session", s.Key()), zap.String("by", byUser))
	return s, nil
}

// killSession hard-stops a session and forgets its record.
func (m *Manager) killSession(s *Session, reason string) {
	if lc := s.Lifecycle(); lc == LifecycleEnding || lc == LifecycleEnded {
		return
	}
	s.setLifecycle(LifecycleEnding)
	s.Messages().CancelStream()
	m.stopRunner(s, true)
	m.publishSession(events.SessionEnded, s, map[string]interface{}{"reason": reason})
	m.teardownSession(s, true)
}

// Kill terminates a single session by thread key, with a best-effort
// notice in its thread. Used by the admin API. Returns false when no
// active session matches.
func (m *Manager) Kill(platformID, threadID, reason string) bool {
	s, ok := m.registry.Get(platformID, threadID)
	if !ok {
		return false
	}
	if c, ok := m.clientFor(s); ok {
		m.postNotice(c, s.ThreadID, "💀 Session killed: "+reason+".")
	}
	m.killSession(s, reason)
	return true
}

// KillAll terminates every active session. The confirmation lands in the
// invoking thread; other threads get a best-effort notice. Returns how
// many sessions were killed.
func (m *Manager) KillAll(client platform.Client, invokingThreadID, byUser string) int {
	sessions := m.registry.Active()

	m.postNotice(client, invokingThreadID,
		fmt.Sprintf("💀 Killing %d active sessions (requested by %s).",
			len(sessions), mention(client, byUser)))

	for _, s := range sessions {
		if s.PlatformID != client.ID() || s.ThreadID != invokingThreadID {
			if c, ok := m.clientFor(s); ok {
				m.postNotice(c, s.ThreadID,
					"💀 Session killed: an administrator stopped all sessions.")
			}
		}
		m.killSession(s, "killed by "+byUser)
	}

	m.log.Info("all sessions killed",
		zap.Int("count", len(sessions)), zap.String("by", byUser))
	return len(sessions)
}

// restartAssistant stops the child and re-spawns it in the session's
// current working directory, continuing the stored conversation. Used by
// worktree switches and !cd.
func (m *Manager) restartAssistant(s *Session, client platform.Client) error {
	m.stopRunner(s, false)
	if err := m.spawnAssistant(s, client); err != nil {
		return err
	}
	s.setLifecycle(LifecycleIdle)
	return nil
}
