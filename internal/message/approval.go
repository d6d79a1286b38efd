package message

import (
	"sync"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/stringutil"
	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

// PendingMessageApproval is a message from a non-allowed user waiting
// for the session owner's verdict.
type PendingMessageApproval struct {
	PostID          string
	FromUser        string
	OriginalMessage string
}

// MessageApprovalExecutor gates messages from users outside the
// session's allowed list. One approval can be pending at a time; the
// verdict is published as a completion event and the session manager
// acts on it.
type MessageApprovalExecutor struct {
	ec *ExecContext

	mu      sync.Mutex
	pending *PendingMessageApproval
}

// NewMessageApprovalExecutor returns a message approval executor.
func NewMessageApprovalExecutor(ec *ExecContext) *MessageApprovalExecutor {
	return &MessageApprovalExecutor{ec: ec}
}

// Request posts the approval prompt for a held message.
func (e *MessageApprovalExecutor) Request(fromUser, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		e.ec.Logger.Warn("dropping message approval while one is pending",
			zap.String("from_user", fromUser))
		return
	}

	f := e.ec.Platform.Formatter()
	content := "✋ " + f.FormatBold("Message awaiting approval") + " from " + f.FormatUserMention(fromUser) + "\n\n" +
		"> " + stringutil.TruncateBytes(message, 500) + "\n\n" +
		"👍 allow this message · ✅ allow and add to session · 👎 deny"

	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content,
		[]string{emoji.NameApprove, emoji.NameAllowAll, emoji.NameDeny})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("message approval post create failed", zap.Error(err))
		return
	}

	e.pending = &PendingMessageApproval{
		PostID:          post.ID,
		FromUser:        fromUser,
		OriginalMessage: message,
	}
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleMessageApproval})
}

// HandleReaction resolves the pending approval. Only added reactions
// act.
func (e *MessageApprovalExecutor) HandleReaction(postID string, em emoji.Emoji, added bool) bool {
	if !added {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || postID != e.pending.PostID {
		return false
	}

	var decision string
	switch em.Kind {
	case emoji.Approve:
		decision = "allow"
	case emoji.AllowAll:
		decision = "invite"
	case emoji.Deny:
		decision = "deny"
	default:
		return false
	}

	p := e.pending
	e.pending = nil

	verdicts := map[string]string{
		"allow":  "message allowed",
		"invite": "message allowed, user added to the session",
		"deny":   "message denied",
	}
	f := e.ec.Platform.Formatter()
	ctx, cancel := e.ec.CallCtx()
	_, _ = e.ec.Platform.UpdatePost(ctx, p.PostID,
		"✋ "+f.FormatBold("Message from "+p.FromUser)+": "+verdicts[decision])
	cancel()
	e.ec.Tracker.Unregister(p.PostID)

	e.ec.PublishCompletion(events.MessageApprovalComplete, map[string]interface{}{
		"decision":         decision,
		"from_user":        p.FromUser,
		"original_message": p.OriginalMessage,
	})
	return true
}

// HasPending reports whether an approval awaits a verdict.
func (e *MessageApprovalExecutor) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Clear abandons the pending approval.
func (e *MessageApprovalExecutor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
}
