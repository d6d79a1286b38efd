package message

import (
	"sync"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

// SystemLevel selects the icon and tone of a system notice.
type SystemLevel string

const (
	SystemInfo    SystemLevel = "info"
	SystemWarning SystemLevel = "warning"
	SystemError   SystemLevel = "error"
	SystemSuccess SystemLevel = "success"
)

func (l SystemLevel) icon() string {
	switch l {
	case SystemWarning:
		return "⚠️"
	case SystemError:
		return "❌"
	case SystemSuccess:
		return "✅"
	default:
		return "ℹ️"
	}
}

// SystemExecutor posts one-off status notices into the thread. Posts
// are tracked as ephemeral so they can be swept when the session ends.
// Error posts carry a bug reaction so users can escalate them into a
// bug report.
type SystemExecutor struct {
	ec *ExecContext

	mu              sync.Mutex
	ephemeral       []string
	lastErrorPostID string
	lastErrorText   string
}

// NewSystemExecutor returns a system notice executor.
func NewSystemExecutor(ec *ExecContext) *SystemExecutor {
	return &SystemExecutor{ec: ec}
}

// Post creates a notice, splitting it when it exceeds the platform's
// message length. It returns the id of the first post.
func (e *SystemExecutor) Post(level SystemLevel, text string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	limits := e.ec.Limits()
	chunks := e.ec.Breaker.SplitMessage(level.icon()+" "+text, limits.MaxLength)

	firstID := ""
	for _, chunk := range chunks {
		ctx, cancel := e.ec.CallCtx()
		post, err := e.ec.Platform.CreatePost(ctx, e.ec.ThreadID, chunk)
		cancel()
		if err != nil {
			e.ec.Logger.Warn("system post create failed", zap.Error(err),
				zap.String("level", string(level)))
			return firstID
		}
		if firstID == "" {
			firstID = post.ID
		}
		e.trackLocked(post.ID)
	}
	return firstID
}

// PostError creates an error notice with a bug reaction and remembers
// it as the latest error, ready for a bug report trigger.
func (e *SystemExecutor) PostError(text string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	content := SystemError.icon() + " " + truncateForPost(text, e.ec.Limits())
	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content,
		[]string{emoji.NameBugReport})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("system error post create failed", zap.Error(err))
		return ""
	}

	e.trackLocked(post.ID)
	e.lastErrorPostID = post.ID
	e.lastErrorText = text
	return post.ID
}

// LastError returns the id and text of the most recent error notice.
func (e *SystemExecutor) LastError() (postID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErrorPostID, e.lastErrorText
}

// IsErrorPost reports whether the given post is the latest error
// notice.
func (e *SystemExecutor) IsErrorPost(postID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return postID != "" && postID == e.lastErrorPostID
}

// CleanupEphemeral deletes every tracked notice. Delete failures are
// logged and skipped.
func (e *SystemExecutor) CleanupEphemeral() {
	e.mu.Lock()
	ids := e.ephemeral
	e.ephemeral = nil
	e.lastErrorPostID = ""
	e.lastErrorText = ""
	e.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := e.ec.CallCtx()
		err := e.ec.Platform.DeletePost(ctx, id)
		cancel()
		if err != nil {
			e.ec.Logger.Debug("system post delete failed", zap.Error(err),
				zap.String("post_id", id))
		}
		e.ec.Tracker.Unregister(id)
	}
}

func (e *SystemExecutor) trackLocked(postID string) {
	e.ephemeral = append(e.ephemeral, postID)
	e.ec.Tracker.Register(postID, PostMeta{Role: RoleSystem})
}
