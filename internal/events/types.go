// Package events provides event types and utilities for the claude-threads event system.
package events

import "strings"

// Event types for session lifecycle
const (
	SessionStarted     = "session.started"
	SessionEnded       = "session.ended"
	SessionPaused      = "session.paused"
	SessionResumed     = "session.resumed"
	SessionInterrupted = "session.interrupted"
	SessionIdleWarning = "session.idle_warning"
)

// Event types for executor completions. Executors publish these when a
// pending interaction resolves; the session manager subscribes.
const (
	QuestionComplete        = "question.complete"
	ApprovalComplete        = "approval.complete"
	ContextPromptComplete   = "context_prompt.complete"
	WorktreePromptComplete  = "worktree_prompt.complete"
	UpdatePromptComplete    = "update_prompt.complete"
	MessageApprovalComplete = "message_approval.complete"
	BugReportComplete       = "bug_report.complete"
)

// Event types for the assistant subprocess
const (
	AssistantExited = "assistant.exited"
	AssistantError  = "assistant.error"
)

// Event types for auto-updates
const (
	UpdateAvailable = "update.available"
	UpdateApplied   = "update.applied"
)

// Event types for platform adapters
const (
	PlatformConnected    = "platform.connected"
	PlatformDisconnected = "platform.disconnected"
)

// SanitizeToken makes a string safe for use as a NATS subject token.
// Thread identifiers may contain "." (Slack timestamps) or whitespace,
// both of which have meaning in subject syntax.
func SanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}

// BuildSessionSubject creates a session-scoped subject for a lifecycle event type.
func BuildSessionSubject(eventType, platformID, threadID string) string {
	return eventType + "." + SanitizeToken(platformID) + "." + SanitizeToken(threadID)
}

// BuildSessionWildcardSubject creates a wildcard subscription for all sessions
// of an event type.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*.*"
}

// BuildCompletionSubject creates a completion subject scoped to a session.
func BuildCompletionSubject(eventType, platformID, threadID string) string {
	return eventType + "." + SanitizeToken(platformID) + "." + SanitizeToken(threadID)
}

// BuildCompletionWildcardSubject subscribes to one completion kind across all sessions.
func BuildCompletionWildcardSubject(eventType string) string {
	return eventType + ".>"
}
