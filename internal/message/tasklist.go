package message

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

// TaskListState is the persisted slice of the task list executor. Task
// details are not stored; after hydration only the rendered content and
// the flags survive.
type TaskListState struct {
	PostID      string `json:"tasksPostId,omitempty"`
	LastContent string `json:"lastTasksContent,omitempty"`
	Completed   bool   `json:"tasksCompleted,omitempty"`
	Minimized   bool   `json:"tasksMinimized,omitempty"`
}

// TaskListExecutor maintains the pinned task list post. The list is
// re-rendered on every todo update, can be collapsed via its minimize
// reaction, and is bumped to the bottom of the thread when new activity
// would bury it.
//
// Bumps from concurrent triggers serialize on bumpMu: each caller
// captures the post id first and rechecks it under the lock, so the
// loser of a race becomes a no-op instead of a second bump.
type TaskListExecutor struct {
	ec *ExecContext

	mu          sync.Mutex
	bumpMu      sync.Mutex
	postID      string
	lastContent string
	tasks       []assistant.Task
	completed   bool
	minimized   bool
}

// NewTaskListExecutor returns a task list executor.
func NewTaskListExecutor(ec *ExecContext) *TaskListExecutor {
	return &TaskListExecutor{ec: ec}
}

// Update re-renders the list from a fresh task set, creating the post on
// first use.
func (e *TaskListExecutor) Update(tasks []assistant.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tasks = tasks
	e.completed = false
	content := e.renderLocked()
	e.lastContent = content

	if e.postID == "" {
		e.createListLocked(content)
		return
	}
	e.updateListLocked(content)
}

// Complete renders the final state and unpins the post.
func (e *TaskListExecutor) Complete(tasks []assistant.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tasks != nil {
		e.tasks = tasks
	}
	e.completed = true
	content := e.renderLocked()
	e.lastContent = content

	if e.postID == "" {
		return
	}
	e.updateListLocked(content)
	if e.postID != "" {
		ctx, cancel := e.ec.CallCtx()
		_ = e.ec.Platform.UnpinPost(ctx, e.postID)
		cancel()
	}
}

// ToggleMinimize collapses or expands the list. After hydration the task
// details are gone, so only the flag flips until the next todo update.
func (e *TaskListExecutor) ToggleMinimize() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.minimized = !e.minimized
	if e.tasks == nil {
		e.ec.Logger.Debug("task list minimize toggled without task details",
			zap.Bool("minimized", e.minimized))
		return
	}
	if e.postID == "" {
		return
	}
	content := e.renderLocked()
	e.lastContent = content
	e.updateListLocked(content)
}

// BumpToBottom moves the list below newer posts by deleting it and
// recreating it with the same content.
func (e *TaskListExecutor) BumpToBottom() {
	e.mu.Lock()
	captured := e.postID
	done := e.completed
	e.mu.Unlock()
	if captured == "" || done {
		return
	}

	e.bumpMu.Lock()
	defer e.bumpMu.Unlock()

	e.mu.Lock()
	if e.postID != captured || e.completed {
		// Another bump already replaced the post.
		e.mu.Unlock()
		return
	}
	content := e.lastContent
	e.mu.Unlock()

	ctx, cancel := e.ec.CallCtx()
	err := e.ec.Platform.DeletePost(ctx, captured)
	cancel()
	e.ec.Tracker.Unregister(captured)
	if err != nil {
		e.ec.Logger.Warn("task list delete failed during bump",
			zap.String("post_id", captured),
			zap.Error(err))
	}

	e.recreateListAtBottom(content)
}

// BumpAndGetOldPost donates the current task list post to the caller:
// the old post is rewritten with newContent and its id returned, while a
// fresh task list appears at the bottom. Returns "" when there is no
// active list or another bump won the race.
func (e *TaskListExecutor) BumpAndGetOldPost(newContent string) string {
	e.mu.Lock()
	captured := e.postID
	done := e.completed
	e.mu.Unlock()
	if captured == "" || done {
		return ""
	}

	e.bumpMu.Lock()
	defer e.bumpMu.Unlock()

	e.mu.Lock()
	if e.postID != captured || e.completed {
		e.mu.Unlock()
		return ""
	}
	content := e.lastContent
	e.mu.Unlock()

	ctx, cancel := e.ec.CallCtx()
	_, uerr := e.ec.Platform.UpdatePost(ctx, captured, newContent)
	cancel()

	uctx, ucancel := e.ec.CallCtx()
	_ = e.ec.Platform.UnpinPost(uctx, captured)
	ucancel()

	if uerr != nil {
		e.ec.Logger.Warn("task list repurpose failed, deleting old post",
			zap.String("post_id", captured),
			zap.Error(uerr))
		dctx, dcancel := e.ec.CallCtx()
		_ = e.ec.Platform.DeletePost(dctx, captured)
		dcancel()
		e.ec.Tracker.Unregister(captured)
	} else {
		e.ec.Tracker.Register(captured, PostMeta{Role: RoleContent})
	}

	e.recreateListAtBottom(content)

	if uerr != nil {
		return ""
	}
	return captured
}

func (e *TaskListExecutor) recreateListAtBottom(content string) {
	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content, []string{emoji.NameMinimize})
	cancel()

	e.mu.Lock()
	if err != nil {
		e.ec.Logger.Warn("task list recreate failed", zap.Error(err))
		e.postID = ""
		e.mu.Unlock()
		return
	}
	e.postID = post.ID
	e.mu.Unlock()

	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleTaskList})
	pctx, pcancel := e.ec.CallCtx()
	_ = e.ec.Platform.PinPost(pctx, post.ID)
	pcancel()
}

// HandleReaction toggles minimize when the reaction sits on the task
// list post. Both adding and removing the seeded reaction toggle.
func (e *TaskListExecutor) HandleReaction(postID string, em emoji.Emoji, _ bool) bool {
	e.mu.Lock()
	own := e.postID != "" && postID == e.postID
	e.mu.Unlock()
	if !own || em.Kind != emoji.Minimize {
		return false
	}
	e.ToggleMinimize()
	return true
}

// Snapshot returns the persistable slice of the executor state.
func (e *TaskListExecutor) Snapshot() TaskListState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return TaskListState{
		PostID:      e.postID,
		LastContent: e.lastContent,
		Completed:   e.completed,
		Minimized:   e.minimized,
	}
}

// Hydrate restores a persisted state. Task details are not restored.
func (e *TaskListExecutor) Hydrate(st TaskListState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postID = st.PostID
	e.lastContent = st.LastContent
	e.completed = st.Completed
	e.minimized = st.Minimized
	e.tasks = nil
	if e.postID != "" {
		e.ec.Tracker.Register(e.postID, PostMeta{Role: RoleTaskList})
	}
}

// PostID returns the current task list post id.
func (e *TaskListExecutor) PostID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.postID
}

func (e *TaskListExecutor) createListLocked(content string) {
	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content, []string{emoji.NameMinimize})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("task list create failed", zap.Error(err))
		return
	}
	e.postID = post.ID
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleTaskList})

	pctx, pcancel := e.ec.CallCtx()
	_ = e.ec.Platform.PinPost(pctx, post.ID)
	pcancel()
}

// updateListLocked pushes content to the existing post. On failure the
// broken post is deleted and, when the delete lands, recreated; when
// even the delete fails the id is dropped so a later update starts over.
func (e *TaskListExecutor) updateListLocked(content string) {
	ctx, cancel := e.ec.CallCtx()
	_, err := e.ec.Platform.UpdatePost(ctx, e.postID, content)
	cancel()
	if err == nil {
		return
	}

	e.ec.Logger.Warn("task list update failed",
		zap.String("post_id", e.postID),
		zap.Error(err))

	dctx, dcancel := e.ec.CallCtx()
	delErr := e.ec.Platform.DeletePost(dctx, e.postID)
	dcancel()
	e.ec.Tracker.Unregister(e.postID)
	e.postID = ""

	if delErr != nil {
		e.ec.Logger.Warn("task list delete failed, dropping post",
			zap.Error(delErr))
		return
	}
	e.createListLocked(content)
}

func (e *TaskListExecutor) renderLocked() string {
	f := e.ec.Platform.Formatter()

	done, total := 0, len(e.tasks)
	for _, t := range e.tasks {
		if t.Status == assistant.TaskCompleted {
			done++
		}
	}
	pct := 0
	if total > 0 {
		pct = done * 100 / total
	}
	header := fmt.Sprintf("📋 %s (%d/%d · %d%%)", f.FormatBold("Tasks"), done, total, pct)

	if e.minimized {
		if active := e.activeLocked(); active != "" {
			return header + " · 🔄 " + f.FormatItalic(active)
		}
		return header
	}

	lines := make([]string, 0, total+1)
	lines = append(lines, header)
	for _, t := range e.tasks {
		lines = append(lines, taskIcon(t.Status)+" "+taskLabel(t))
	}
	return strings.Join(lines, "\n")
}

// activeLocked returns the label of the in-progress task, if any.
func (e *TaskListExecutor) activeLocked() string {
	for _, t := range e.tasks {
		if t.Status == assistant.TaskInProgress {
			return taskLabel(t)
		}
	}
	return ""
}

func taskIcon(status string) string {
	switch status {
	case assistant.TaskCompleted:
		return "✅"
	case assistant.TaskInProgress:
		return "🔄"
	default:
		return "⬜"
	}
}

func taskLabel(t assistant.Task) string {
	if t.Status == assistant.TaskInProgress && t.ActiveForm != "" {
		return t.ActiveForm
	}
	return t.Content
}
