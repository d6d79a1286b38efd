package message

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

// ContextPromptState is a pending "use thread history?" prompt. The
// user's prompt is parked here until they pick how much history to
// include. Persisted so a restart does not lose the queued prompt.
type ContextPromptState struct {
	PostID             string    `json:"postId"`
	QueuedPrompt       string    `json:"queuedPrompt"`
	QueuedFiles        []string  `json:"queuedFiles,omitempty"`
	ThreadMessageCount int       `json:"threadMessageCount"`
	CreatedAt          time.Time `json:"createdAt"`
	Options            []int     `json:"availableOptions"`
}

// WorktreePromptState is a pending "join existing worktree?" prompt.
type WorktreePromptState struct {
	PostID string `json:"postId"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// UpdatePromptState is a pending "update now?" prompt. Not persisted;
// update offers are re-broadcast after a restart.
type UpdatePromptState struct {
	PostID  string
	Version string
}

// PromptExecutor owns the three reaction-driven prompts a session can
// show: the thread-context prompt, the existing-worktree prompt and the
// update prompt. Each is a singleton; a duplicate while one is pending
// is dropped. Only added reactions act.
type PromptExecutor struct {
	ec *ExecContext

	mu       sync.Mutex
	context  *ContextPromptState
	worktree *WorktreePromptState
	update   *UpdatePromptState
}

// NewPromptExecutor returns a prompt executor.
func NewPromptExecutor(ec *ExecContext) *PromptExecutor {
	return &PromptExecutor{ec: ec}
}

// ExecuteContextPrompt parks the user's prompt and asks how much thread
// history to include with it.
func (e *PromptExecutor) ExecuteContextPrompt(queuedPrompt string, queuedFiles []string, threadMessageCount int, options []int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.context != nil {
		e.ec.Logger.Warn("dropping context prompt while one is pending")
		return
	}
	if len(options) > emoji.MaxNumber() {
		options = options[:emoji.MaxNumber()]
	}

	f := e.ec.Platform.Formatter()
	var b strings.Builder
	b.WriteString("💬 " + f.FormatBold("Use thread history as context?") + "\n")
	fmt.Fprintf(&b, "This thread has %d earlier messages. Include recent ones with your prompt?\n\n", threadMessageCount)
	for i, n := range options {
		label := fmt.Sprintf("Last %d messages", n)
		if n == 1 {
			label = "Last message only"
		}
		b.WriteString(f.FormatNumberedListItem(i+1, label) + "\n")
	}
	b.WriteString("\nReact with a number, or 👎 to start without history.")

	reactions := make([]string, 0, len(options)+1)
	for i := range options {
		reactions = append(reactions, emoji.NumberName(i))
	}
	reactions = append(reactions, emoji.NameDeny)

	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, b.String(), reactions)
	cancel()
	if err != nil {
		e.ec.Logger.Warn("context prompt create failed", zap.Error(err))
		return
	}

	e.context = &ContextPromptState{
		PostID:             post.ID,
		QueuedPrompt:       queuedPrompt,
		QueuedFiles:        queuedFiles,
		ThreadMessageCount: threadMessageCount,
		CreatedAt:          time.Now().UTC(),
		Options:            options,
	}
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleContextPrompt})
}

// AppendQueuedPrompt adds a follow-up message to the parked prompt.
// Returns false when no context prompt is pending.
func (e *PromptExecutor) AppendQueuedPrompt(text string, files []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.context == nil {
		return false
	}
	if text != "" {
		if e.context.QueuedPrompt != "" {
			e.context.QueuedPrompt += "\n\n"
		}
		e.context.QueuedPrompt += text
	}
	e.context.QueuedFiles = append(e.context.QueuedFiles, files...)
	return true
}

// ExecuteWorktreePrompt asks whether to join an existing worktree for
// the requested branch.
func (e *PromptExecutor) ExecuteWorktreePrompt(branch, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.worktree != nil {
		e.ec.Logger.Warn("dropping worktree prompt while one is pending",
			zap.String("branch", branch))
		return
	}

	f := e.ec.Platform.Formatter()
	content := "🌿 " + f.FormatBold("Worktree exists") + "\n" +
		"A worktree for " + f.FormatCode(branch) + " already exists at " + f.FormatCode(path) + ".\n\n" +
		"React 👍 to join it or 👎 to work in the main checkout."

	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content,
		[]string{emoji.NameApprove, emoji.NameDeny})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("worktree prompt create failed", zap.Error(err))
		return
	}

	e.worktree = &WorktreePromptState{PostID: post.ID, Branch: branch, Path: path}
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleWorktreePrompt})
}

// ExecuteUpdatePrompt offers a pending release.
func (e *PromptExecutor) ExecuteUpdatePrompt(version string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.update != nil {
		e.ec.Logger.Warn("dropping update prompt while one is pending",
			zap.String("version", version))
		return
	}

	f := e.ec.Platform.Formatter()
	content := "⬆️ " + f.FormatBold("Update available") + ": " + f.FormatCode(version) + "\n\n" +
		"React 👍 to update now or 👎 to defer for an hour."

	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content,
		[]string{emoji.NameApprove, emoji.NameDeny})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("update prompt create failed", zap.Error(err))
		return
	}

	e.update = &UpdatePromptState{PostID: post.ID, Version: version}
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleUpdatePrompt})
}

// HandleReaction resolves whichever pending prompt the reaction belongs
// to. Only added reactions act.
func (e *PromptExecutor) HandleReaction(postID string, em emoji.Emoji, added bool) bool {
	if !added {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.context != nil && postID == e.context.PostID {
		return e.handleContextReactionLocked(em)
	}
	if e.worktree != nil && postID == e.worktree.PostID {
		return e.handleWorktreeReactionLocked(em)
	}
	if e.update != nil && postID == e.update.PostID {
		return e.handleUpdateReactionLocked(em)
	}
	return false
}

// ResolveContextTimeout resolves the pending context prompt as "no
// history" after its deadline passes.
func (e *PromptExecutor) ResolveContextTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.context == nil {
		return
	}
	e.resolveContextLocked(0, true)
}

// ResolveUpdateTimeout resolves the pending update prompt. An ignored
// offer proceeds with the update.
func (e *PromptExecutor) ResolveUpdateTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.update == nil {
		return
	}
	e.resolveUpdateLocked("update_now", true)
}

// PendingContextPrompt returns a copy of the pending context prompt.
func (e *PromptExecutor) PendingContextPrompt() *ContextPromptState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.context == nil {
		return nil
	}
	cp := *e.context
	return &cp
}

// PendingWorktreePrompt returns a copy of the pending worktree prompt.
func (e *PromptExecutor) PendingWorktreePrompt() *WorktreePromptState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worktree == nil {
		return nil
	}
	cp := *e.worktree
	return &cp
}

// HydrateContextPrompt restores a persisted context prompt.
func (e *PromptExecutor) HydrateContextPrompt(st *ContextPromptState) {
	if st == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *st
	e.context = &cp
	if cp.PostID != "" {
		e.ec.Tracker.Register(cp.PostID, PostMeta{Role: RoleContextPrompt})
	}
}

// HydrateWorktreePrompt restores a persisted worktree prompt.
func (e *PromptExecutor) HydrateWorktreePrompt(st *WorktreePromptState) {
	if st == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *st
	e.worktree = &cp
	if cp.PostID != "" {
		e.ec.Tracker.Register(cp.PostID, PostMeta{Role: RoleWorktreePrompt})
	}
}

// Clear abandons all pending prompts.
func (e *PromptExecutor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.context = nil
	e.worktree = nil
	e.update = nil
}

func (e *PromptExecutor) handleContextReactionLocked(em emoji.Emoji) bool {
	switch em.Kind {
	case emoji.Number:
		if em.Index < 0 || em.Index >= len(e.context.Options) {
			e.ec.Logger.Debug("context prompt reaction out of range",
				zap.Int("index", em.Index),
				zap.Int("options", len(e.context.Options)))
			return true
		}
		e.resolveContextLocked(e.context.Options[em.Index], false)
		return true
	case emoji.Deny:
		e.resolveContextLocked(0, false)
		return true
	default:
		return false
	}
}

func (e *PromptExecutor) resolveContextLocked(selected int, timedOut bool) {
	st := e.context
	e.context = nil

	status := "starting without thread history"
	switch {
	case selected == 1:
		status = "including the last message"
	case selected > 1:
		status = fmt.Sprintf("including the last %d messages", selected)
	case timedOut:
		status = "no answer, starting without thread history"
	}
	f := e.ec.Platform.Formatter()
	ctx, cancel := e.ec.CallCtx()
	_, _ = e.ec.Platform.UpdatePost(ctx, st.PostID, "💬 "+f.FormatBold("Context")+": "+status)
	cancel()
	e.ec.Tracker.Unregister(st.PostID)

	e.ec.PublishCompletion(events.ContextPromptComplete, map[string]interface{}{
		"selected":      selected,
		"queued_prompt": st.QueuedPrompt,
		"queued_files":  st.QueuedFiles,
		"timed_out":     timedOut,
	})
}

func (e *PromptExecutor) handleWorktreeReactionLocked(em emoji.Emoji) bool {
	var action string
	switch em.Kind {
	case emoji.Approve:
		action = "join"
	case emoji.Deny, emoji.Skip:
		action = "skip"
	default:
		return false
	}

	st := e.worktree
	e.worktree = nil

	verdict := "joining the existing worktree"
	if action == "skip" {
		verdict = "using the main checkout"
	}
	f := e.ec.Platform.Formatter()
	ctx, cancel := e.ec.CallCtx()
	_, _ = e.ec.Platform.UpdatePost(ctx, st.PostID, "🌿 "+f.FormatBold("Worktree")+": "+verdict)
	cancel()
	e.ec.Tracker.Unregister(st.PostID)

	e.ec.PublishCompletion(events.WorktreePromptComplete, map[string]interface{}{
		"action": action,
		"branch": st.Branch,
		"path":   st.Path,
	})
	return true
}

func (e *PromptExecutor) handleUpdateReactionLocked(em emoji.Emoji) bool {
	switch em.Kind {
	case emoji.Approve:
		e.resolveUpdateLocked("update_now", false)
		return true
	case emoji.Deny:
		e.resolveUpdateLocked("defer", false)
		return true
	default:
		return false
	}
}

func (e *PromptExecutor) resolveUpdateLocked(action string, timedOut bool) {
	st := e.update
	e.update = nil

	verdict := "updating now"
	if action == "defer" {
		verdict = "deferred for an hour"
	}
	f := e.ec.Platform.Formatter()
	ctx, cancel := e.ec.CallCtx()
	_, _ = e.ec.Platform.UpdatePost(ctx, st.PostID, "⬆️ "+f.FormatBold("Update")+": "+verdict)
	cancel()
	e.ec.Tracker.Unregister(st.PostID)

	e.ec.PublishCompletion(events.UpdatePromptComplete, map[string]interface{}{
		"action":    action,
		"version":   st.Version,
		"timed_out": timedOut,
	})
}
