package session

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/stringutil"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
	"github.com/anneschuth/claude-threads-sub002/internal/store"
)

// handleReaction routes an emoji reaction to the session owning the
// post, reviving a persisted session when the post belongs to one.
func (m *Manager) handleReaction(client platform.Client, r *platform.Reaction, u *platform.User, added bool) {
	if r == nil || u == nil || u.IsBot {
		return
	}
	if bot := client.BotUser(); bot != nil && u.ID == bot.ID {
		return
	}

	em := emoji.Normalize(r.EmojiName)
	if em.Kind == emoji.Unknown {
		return
	}

	if s, ok := m.registry.FindByPost(r.PostID); ok {
		m.handleSessionReaction(s, client, r, u, em, added)
		return
	}
	m.handleDetachedReaction(client, r, u, em, added)
}

func (m *Manager) handleSessionReaction(s *Session, client platform.Client, r *platform.Reaction, u *platform.User, em emoji.Emoji, added bool) {
	username := u.Username
	if username == "" {
		username = r.Username
	}
	if !s.IsUserAllowed(username) {
		m.log.Debug("reaction from uninvited user ignored",
			zap.String("session", s.Key()), zap.String("user", username))
		return
	}
	s.Touch()

	// Lifecycle controls live on the session start post.
	if added && r.PostID == s.StartPostID() {
		switch em.Kind {
		case emoji.Cancel:
			m.cancelSession(s, username)
			return
		case emoji.Escape:
			m.interruptSession(s, username)
			return
		}
	}

	if s.Messages().HandleReaction(r.PostID, em, added) {
		m.checkpoint(s)
		return
	}

	// A bug reaction on the latest error notice drafts a report.
	if added && em.Kind == emoji.BugReport && s.Messages().System().IsErrorPost(r.PostID) {
		m.startBugReport(s, username)
	}
}

func (m *Manager) startBugReport(s *Session, username string) {
	_, errText := s.Messages().System().LastError()
	title := stringutil.Truncate(stringutil.FirstLine(errText), 80)
	if title == "" {
		title = "Session error"
	}

	errorContext := ""
	if r := s.Runner(); r != nil {
		errorContext = strings.Join(r.RecentStderr(), "\n")
	}

	s.Messages().BugReports().Execute(message.PendingBugReport{
		Title:           title,
		Body:            errText,
		UserDescription: fmt.Sprintf("Reported by %s from session #%d.", username, s.Number()),
		ErrorContext:    errorContext,
	})
}

// handleDetachedReaction acts on reactions to posts of sessions that
// are not in memory. A cancel on the persisted start post forgets the
// session; anything else revives it and replays the reaction so the
// hydrated executors can resolve it.
func (m *Manager) handleDetachedReaction(client platform.Client, r *platform.Reaction, u *platform.User, em emoji.Emoji, added bool) {
	if !added || m.store == nil || m.isShuttingDown() {
		return
	}

	ctx, cancel := callCtx()
	rec, err := m.store.FindByPostID(ctx, client.ID(), r.PostID)
	cancel()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("post lookup failed",
				zap.String("post", r.PostID), zap.Error(err))
		}
		return
	}

	username := u.Username
	if username == "" {
		username = r.Username
	}
	if !recordAllowsUser(rec, username) {
		m.postNotice(client, rec.ThreadID,
			"🔒 "+mention(client, username)+" is not allowed to resume this session.")
		return
	}

	if em.Kind == emoji.Cancel && r.PostID == rec.SessionStartPostID {
		sctx, scancel := callCtx()
		err := m.store.SoftDelete(sctx, rec.PlatformID, rec.ThreadID)
		scancel()
		if err != nil {
			m.log.Warn("session soft delete failed",
				zap.String("thread", rec.ThreadID), zap.Error(err))
			return
		}
		m.postNotice(client, rec.ThreadID,
			fmt.Sprintf("🛑 Session #%d removed by %s.", rec.SessionNumber, mention(client, username)))
		return
	}

	s, err := m.resumeFromRecord(client, rec, "", username)
	if err != nil {
		return
	}
	m.handleSessionReaction(s, client, r, u, em, added)
}
