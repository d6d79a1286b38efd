package message

// State is the persistable slice of the message manager. Streamed
// content posts are deliberately absent: after a restart the session
// continues in new posts rather than editing stale ones. The task list
// and unanswered prompts survive so their posts keep reacting.
type State struct {
	TaskListState

	PendingContextPrompt  *ContextPromptState  `json:"pendingContextPrompt,omitempty"`
	PendingWorktreePrompt *WorktreePromptState `json:"pendingWorktreePrompt,omitempty"`
}
