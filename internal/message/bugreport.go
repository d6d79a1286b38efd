package message

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/stringutil"
	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

// PendingBugReport is a drafted bug report waiting for the user to
// approve filing it.
type PendingBugReport struct {
	PostID          string
	Title           string
	Body            string
	UserDescription string
	ImageURLs       []string
	ImageErrors     []string
	ErrorContext    string
}

// BugReportExecutor shows a drafted bug report and resolves it through
// approve or deny reactions. One draft can be pending at a time.
type BugReportExecutor struct {
	ec *ExecContext

	mu      sync.Mutex
	pending *PendingBugReport
}

// NewBugReportExecutor returns a bug report executor.
func NewBugReportExecutor(ec *ExecContext) *BugReportExecutor {
	return &BugReportExecutor{ec: ec}
}

// Execute posts the draft for review.
func (e *BugReportExecutor) Execute(report PendingBugReport) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		e.ec.Logger.Warn("dropping bug report while one is pending",
			zap.String("title", report.Title))
		return
	}

	f := e.ec.Platform.Formatter()
	var b strings.Builder
	b.WriteString("🐛 " + f.FormatBold("Bug report draft") + "\n\n")
	b.WriteString(f.FormatBold("Title") + ": " + report.Title + "\n\n")
	b.WriteString(stringutil.TruncateBytes(report.Body, 4000))
	if len(report.ImageURLs) > 0 {
		b.WriteString("\n\n" + f.FormatBold("Attachments") + ":")
		for _, u := range report.ImageURLs {
			b.WriteString("\n" + f.FormatListItem(u))
		}
	}
	for _, ierr := range report.ImageErrors {
		b.WriteString("\n⚠️ " + ierr)
	}
	b.WriteString("\n\nReact 👍 to file this report or 👎 to discard it.")

	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, b.String(),
		[]string{emoji.NameApprove, emoji.NameDeny})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("bug report post create failed", zap.Error(err))
		return
	}

	report.PostID = post.ID
	e.pending = &report
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleBugReport})
}

// HandleReaction resolves the pending draft. Only added reactions act.
func (e *BugReportExecutor) HandleReaction(postID string, em emoji.Emoji, added bool) bool {
	if !added {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil || postID != e.pending.PostID {
		return false
	}

	var action string
	switch em.Kind {
	case emoji.Approve:
		action = "approve"
	case emoji.Deny:
		action = "deny"
	default:
		return false
	}

	p := e.pending
	e.pending = nil

	f := e.ec.Platform.Formatter()
	verdict := "✅ filing: " + p.Title
	if action == "deny" {
		verdict = "❌ discarded"
	}
	ctx, cancel := e.ec.CallCtx()
	_, _ = e.ec.Platform.UpdatePost(ctx, p.PostID, "🐛 "+f.FormatBold("Bug report")+" "+verdict)
	cancel()
	e.ec.Tracker.Unregister(p.PostID)

	e.ec.PublishCompletion(events.BugReportComplete, map[string]interface{}{
		"action":           action,
		"title":            p.Title,
		"body":             p.Body,
		"user_description": p.UserDescription,
		"image_urls":       p.ImageURLs,
		"error_context":    p.ErrorContext,
	})
	return true
}

// HasPending reports whether a draft awaits a verdict.
func (e *BugReportExecutor) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Clear abandons the pending draft.
func (e *BugReportExecutor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
}
