package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

func setupPrompt(t *testing.T) (*PromptExecutor, *mockPlatform) {
	t.Helper()
	ec, mock := setupExecContext(t)
	return NewPromptExecutor(ec), mock
}

func TestContextPromptSelectionMapsToOption(t *testing.T) {
	e, mock := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.ContextPromptComplete)

	e.ExecuteContextPrompt("original prompt", nil, 7, []int{1, 3})

	require.Equal(t, 1, mock.interactiveCount())
	call := mock.lastInteractive()
	assert.Equal(t, []string{"one", "two", emoji.NameDeny}, call.reactions)
	assert.Contains(t, call.content, "7 earlier messages")

	// A number beyond the option list is consumed but changes nothing.
	handled := e.HandleReaction(call.postID, emoji.Normalize("four"), true)
	assert.True(t, handled)
	assert.NotNil(t, e.PendingContextPrompt())
	select {
	case <-done:
		t.Fatal("out-of-range selection must not resolve the prompt")
	case <-time.After(50 * time.Millisecond):
	}

	// "two" selects the second option, which is 3 messages.
	require.True(t, e.HandleReaction(call.postID, emoji.Normalize("two"), true))
	ev := waitCompletion(t, done)
	assert.Equal(t, 3, ev.Data["selected"])
	assert.Equal(t, "original prompt", ev.Data["queued_prompt"])
	assert.Equal(t, false, ev.Data["timed_out"])
	assert.Nil(t, e.PendingContextPrompt())
}

func TestContextPromptDenyStartsWithoutHistory(t *testing.T) {
	e, mock := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.ContextPromptComplete)

	e.ExecuteContextPrompt("prompt", []string{"a.png"}, 3, []int{1, 3})
	call := mock.lastInteractive()

	require.True(t, e.HandleReaction(call.postID, emoji.Normalize("thumbsdown"), true))
	ev := waitCompletion(t, done)
	assert.Equal(t, 0, ev.Data["selected"])
	assert.Equal(t, []string{"a.png"}, ev.Data["queued_files"])
}

func TestContextPromptTimeout(t *testing.T) {
	e, _ := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.ContextPromptComplete)

	e.ExecuteContextPrompt("prompt", nil, 3, []int{1, 3})
	e.ResolveContextTimeout()

	ev := waitCompletion(t, done)
	assert.Equal(t, 0, ev.Data["selected"])
	assert.Equal(t, true, ev.Data["timed_out"])
	assert.Nil(t, e.PendingContextPrompt())

	// A second timeout resolve is a no-op.
	e.ResolveContextTimeout()
}

func TestContextPromptQueuesFollowUps(t *testing.T) {
	e, _ := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.ContextPromptComplete)

	assert.False(t, e.AppendQueuedPrompt("early", nil), "nothing pending yet")

	e.ExecuteContextPrompt("first message", nil, 3, []int{1})
	assert.True(t, e.AppendQueuedPrompt("second message", []string{"shot.png"}))

	pending := e.PendingContextPrompt()
	require.NotNil(t, pending)
	require.True(t, e.HandleReaction(pending.PostID, emoji.Normalize("one"), true))

	ev := waitCompletion(t, done)
	assert.Equal(t, "first message\n\nsecond message", ev.Data["queued_prompt"])
	assert.Equal(t, []string{"shot.png"}, ev.Data["queued_files"])
}

func TestContextPromptHydration(t *testing.T) {
	e, _ := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.ContextPromptComplete)

	e.HydrateContextPrompt(&ContextPromptState{
		PostID:             "restored-prompt",
		QueuedPrompt:       "restored text",
		ThreadMessageCount: 5,
		Options:            []int{1, 5},
	})

	require.True(t, e.HandleReaction("restored-prompt", emoji.Normalize("two"), true))
	ev := waitCompletion(t, done)
	assert.Equal(t, 5, ev.Data["selected"])
	assert.Equal(t, "restored text", ev.Data["queued_prompt"])
}

func TestWorktreePromptJoin(t *testing.T) {
	e, mock := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.WorktreePromptComplete)

	e.ExecuteWorktreePrompt("feature/auth", "/work/trees/feature-auth")
	call := mock.lastInteractive()
	assert.Equal(t, []string{emoji.NameApprove, emoji.NameDeny}, call.reactions)
	assert.Contains(t, call.content, "feature/auth")

	require.True(t, e.HandleReaction(call.postID, emoji.Normalize(emoji.NameApprove), true))
	ev := waitCompletion(t, done)
	assert.Equal(t, "join", ev.Data["action"])
	assert.Equal(t, "feature/auth", ev.Data["branch"])
	assert.Equal(t, "/work/trees/feature-auth", ev.Data["path"])
	assert.Nil(t, e.PendingWorktreePrompt())
}

func TestWorktreePromptSkipAliases(t *testing.T) {
	e, mock := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.WorktreePromptComplete)

	e.ExecuteWorktreePrompt("fix/crash", "/work/trees/fix-crash")
	call := mock.lastInteractive()

	// The x reaction dismisses just like deny.
	require.True(t, e.HandleReaction(call.postID, emoji.Normalize("x"), true))
	ev := waitCompletion(t, done)
	assert.Equal(t, "skip", ev.Data["action"])
}

func TestUpdatePromptDefer(t *testing.T) {
	e, mock := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.UpdatePromptComplete)

	e.ExecuteUpdatePrompt("v1.4.0")
	call := mock.lastInteractive()
	assert.Contains(t, call.content, "v1.4.0")

	require.True(t, e.HandleReaction(call.postID, emoji.Normalize(emoji.NameDeny), true))
	ev := waitCompletion(t, done)
	assert.Equal(t, "defer", ev.Data["action"])
	assert.Equal(t, "v1.4.0", ev.Data["version"])
}

func TestUpdatePromptTimeoutProceeds(t *testing.T) {
	e, _ := setupPrompt(t)
	done := subscribeCompletion(t, e.ec, events.UpdatePromptComplete)

	e.ExecuteUpdatePrompt("v1.4.0")
	e.ResolveUpdateTimeout()

	ev := waitCompletion(t, done)
	assert.Equal(t, "update_now", ev.Data["action"])
	assert.Equal(t, true, ev.Data["timed_out"])
}

func TestPromptsAreSingletons(t *testing.T) {
	e, mock := setupPrompt(t)

	e.ExecuteContextPrompt("one", nil, 2, []int{1})
	e.ExecuteContextPrompt("two", nil, 2, []int{1})
	assert.Equal(t, 1, mock.interactiveCount())

	e.ExecuteWorktreePrompt("b", "/p")
	e.ExecuteWorktreePrompt("b2", "/p2")
	assert.Equal(t, 2, mock.interactiveCount())

	e.ExecuteUpdatePrompt("v1")
	e.ExecuteUpdatePrompt("v2")
	assert.Equal(t, 3, mock.interactiveCount())
}

func TestPromptIgnoresRemovedReactions(t *testing.T) {
	e, mock := setupPrompt(t)

	e.ExecuteContextPrompt("prompt", nil, 2, []int{1})
	call := mock.lastInteractive()

	assert.False(t, e.HandleReaction(call.postID, emoji.Normalize("one"), false))
	assert.NotNil(t, e.PendingContextPrompt())
}
