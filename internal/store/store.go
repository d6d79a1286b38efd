// Package store persists session state so sessions survive restarts.
// Each session serializes to one JSON document keyed by platform and
// thread; a reverse index maps the posts a session owns back to it so
// reactions can be routed after a restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

// ErrNotFound is returned when no live session matches a lookup.
var ErrNotFound = errors.New("store: session not found")

// Record is the persisted form of one session. Streamed content posts
// are not part of it: after a restart the session continues in fresh
// posts.
type Record struct {
	PlatformID                  string    `json:"platformId"`
	ThreadID                    string    `json:"threadId"`
	ClaudeSessionID             string    `json:"claudeSessionId,omitempty"`
	StartedBy                   string    `json:"startedBy"`
	StartedByDisplayName        string    `json:"startedByDisplayName,omitempty"`
	StartedAt                   time.Time `json:"startedAt"`
	LastActivityAt              time.Time `json:"lastActivityAt"`
	SessionNumber               int       `json:"sessionNumber"`
	WorkingDir                  string    `json:"workingDir"`
	PlanApproved                bool      `json:"planApproved,omitempty"`
	AllowedUsers                []string  `json:"sessionAllowedUsers,omitempty"`
	ForceInteractivePermissions bool      `json:"forceInteractivePermissions,omitempty"`
	SessionStartPostID          string    `json:"sessionStartPostId,omitempty"`

	message.State

	WorktreeInfo           *workspace.Info `json:"worktreeInfo,omitempty"`
	IsWorktreeOwner        bool            `json:"isWorktreeOwner,omitempty"`
	WorktreePromptDisabled bool            `json:"worktreePromptDisabled,omitempty"`
	QueuedPrompt           string          `json:"queuedPrompt,omitempty"`
	QueuedFiles            []string        `json:"queuedFiles,omitempty"`
	FirstPrompt            string          `json:"firstPrompt,omitempty"`
	NeedsContextPrompt     bool            `json:"needsContextPromptOnNextMessage,omitempty"`
	LifecyclePostID        string          `json:"lifecyclePostId,omitempty"`
	IsPaused               bool            `json:"isPaused,omitempty"`
	SessionTitle           string          `json:"sessionTitle,omitempty"`
	SessionDescription     string          `json:"sessionDescription,omitempty"`
	SessionTags            []string        `json:"sessionTags,omitempty"`
	PullRequestURL         string          `json:"pullRequestUrl,omitempty"`
	MessageCount           int             `json:"messageCount"`
	ResumeFailCount        int             `json:"resumeFailCount,omitempty"`
}

// Key returns the map key the record is tracked under.
func (r *Record) Key() string {
	return SessionKey(r.PlatformID, r.ThreadID)
}

// PostIDs lists the posts this record references, deduplicated. They
// feed the reverse index that resolves reactions to sessions after a
// restart.
func (r *Record) PostIDs() []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(r.SessionStartPostID)
	add(r.TaskListState.PostID)
	add(r.LifecyclePostID)
	if r.PendingContextPrompt != nil {
		add(r.PendingContextPrompt.PostID)
	}
	if r.PendingWorktreePrompt != nil {
		add(r.PendingWorktreePrompt.PostID)
	}
	return ids
}

// SessionKey builds the "<platform>/<thread>" key sessions are indexed
// by everywhere.
func SessionKey(platformID, threadID string) string {
	return platformID + "/" + threadID
}

// Store is the persistence surface the session manager runs against.
// Deleting is soft: dead sessions stay queryable as history until
// CleanHistory ages them out.
type Store interface {
	// Save upserts a record. Saving a soft-deleted session brings it
	// back to life.
	Save(ctx context.Context, rec *Record) error

	// SoftDelete marks a session dead and drops it from post lookups.
	SoftDelete(ctx context.Context, platformID, threadID string) error

	// Load returns all live sessions keyed by SessionKey.
	Load(ctx context.Context) (map[string]*Record, error)

	// FindByPostID resolves the live session owning a post.
	FindByPostID(ctx context.Context, platformID, postID string) (*Record, error)

	// FindByThread returns the live session for a thread.
	FindByThread(ctx context.Context, platformID, threadID string) (*Record, error)

	// CleanStale soft-deletes live sessions idle longer than maxAge and
	// returns how many it removed.
	CleanStale(ctx context.Context, maxAge time.Duration) (int64, error)

	// CleanHistory hard-deletes sessions soft-deleted longer ago than
	// retention and returns how many rows went away.
	CleanHistory(ctx context.Context, retention time.Duration) (int64, error)

	Close() error
}
