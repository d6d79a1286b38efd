package message

import "sync"

// PostRole identifies which executor owns a post and how reactions on it
// should be routed.
type PostRole string

const (
	RoleContent         PostRole = "content"
	RoleTaskList        PostRole = "task_list"
	RoleQuestion        PostRole = "question"
	RolePlanApproval    PostRole = "plan_approval"
	RoleActionApproval  PostRole = "action_approval"
	RoleMessageApproval PostRole = "message_approval"
	RoleContextPrompt   PostRole = "context_prompt"
	RoleWorktreePrompt  PostRole = "worktree_prompt"
	RoleUpdatePrompt    PostRole = "update_prompt"
	RoleSubagent        PostRole = "subagent"
	RoleBugReport       PostRole = "bug_report"
	RoleSystem          PostRole = "system"
	RoleSessionStart    PostRole = "session_start"
	RoleLifecycle       PostRole = "lifecycle"
)

// PostMeta is what the tracker knows about a registered post.
type PostMeta struct {
	Role PostRole

	// ToolUseID links tool-scoped posts (questions, approvals, subagent
	// trackers) back to the originating tool call.
	ToolUseID string
}

// PostTracker maps post ids to their role within one session. Executors
// register every post they create and the reaction router uses the tracker
// to decide which executor a reaction belongs to.
//
// Registration is last-writer-wins: repurposing a post (a task list post
// becoming a content post) re-registers it under the new role.
type PostTracker struct {
	mu    sync.RWMutex
	posts map[string]PostMeta
}

// NewPostTracker returns an empty tracker.
func NewPostTracker() *PostTracker {
	return &PostTracker{posts: make(map[string]PostMeta)}
}

// Register records or overwrites the role of a post.
func (t *PostTracker) Register(postID string, meta PostMeta) {
	if postID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.posts[postID] = meta
}

// Lookup returns the registered metadata for a post.
func (t *PostTracker) Lookup(postID string) (PostMeta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	meta, ok := t.posts[postID]
	return meta, ok
}

// Unregister forgets a post, typically after it is deleted.
func (t *PostTracker) Unregister(postID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.posts, postID)
}

// Clear drops all registrations. Used when a session ends.
func (t *PostTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.posts = make(map[string]PostMeta)
}

// Len returns the number of tracked posts.
func (t *PostTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.posts)
}
