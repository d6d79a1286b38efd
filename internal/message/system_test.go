package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

func setupSystem(t *testing.T) (*SystemExecutor, *mockPlatform, *ExecContext) {
	t.Helper()
	ec, mock := setupExecContext(t)
	return NewSystemExecutor(ec), mock, ec
}

func TestSystemPostUsesLevelIcon(t *testing.T) {
	e, mock, ec := setupSystem(t)

	id := e.Post(SystemInfo, "session resumed")
	require.NotEmpty(t, id)
	assert.Equal(t, "ℹ️ session resumed", mock.postContent(id))

	meta, ok := ec.Tracker.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, RoleSystem, meta.Role)

	assert.Contains(t, mock.postContent(e.Post(SystemWarning, "idle soon")), "⚠️")
	assert.Contains(t, mock.postContent(e.Post(SystemError, "bad state")), "❌")
	assert.Contains(t, mock.postContent(e.Post(SystemSuccess, "worktree removed")), "✅")
}

func TestSystemPostErrorSeedsBugReaction(t *testing.T) {
	e, mock, _ := setupSystem(t)

	id := e.PostError("claude exited with status 1")
	require.NotEmpty(t, id)

	call := mock.lastInteractive()
	assert.Equal(t, id, call.postID)
	assert.Equal(t, []string{emoji.NameBugReport}, call.reactions)
	assert.Contains(t, call.content, "❌")
	assert.Contains(t, call.content, "claude exited with status 1")

	assert.True(t, e.IsErrorPost(id))
	assert.False(t, e.IsErrorPost("post-999"))

	gotID, text := e.LastError()
	assert.Equal(t, id, gotID)
	assert.Equal(t, "claude exited with status 1", text)
}

func TestSystemLongNoticeSplits(t *testing.T) {
	e, mock, _ := setupSystem(t)
	mock.setLimits(platform.MessageLimits{MaxLength: 1000, HardThreshold: 800})

	text := strings.Repeat("a", 600) + "\n\n" + strings.Repeat("b", 500)
	id := e.Post(SystemInfo, text)

	require.NotEmpty(t, id)
	assert.Equal(t, 2, mock.createCount())
	assert.Contains(t, mock.postContent(id), "ℹ️")
}

func TestSystemCleanupDeletesTrackedPosts(t *testing.T) {
	e, mock, ec := setupSystem(t)

	a := e.Post(SystemInfo, "one")
	b := e.PostError("boom")
	e.CleanupEphemeral()

	assert.False(t, mock.hasPost(a))
	assert.False(t, mock.hasPost(b))
	assert.False(t, e.IsErrorPost(b))
	_, tracked := ec.Tracker.Lookup(a)
	assert.False(t, tracked)
	assert.Equal(t, 2, mock.deleteCount())

	// Nothing left to sweep.
	e.CleanupEphemeral()
	assert.Equal(t, 2, mock.deleteCount())
}

func TestSystemCleanupContinuesPastDeleteFailures(t *testing.T) {
	e, mock, _ := setupSystem(t)

	a := e.Post(SystemInfo, "one")
	b := e.Post(SystemInfo, "two")
	mock.setFailDelete(true)

	e.CleanupEphemeral()

	assert.Equal(t, 2, mock.deleteCount())
	assert.True(t, mock.hasPost(a))
	assert.True(t, mock.hasPost(b))
}

func TestSystemCreateFailureReturnsEmptyID(t *testing.T) {
	e, mock, _ := setupSystem(t)
	mock.setFailCreate(true)

	assert.Empty(t, e.Post(SystemInfo, "lost"))
	assert.Empty(t, e.PostError("lost too"))
	assert.False(t, e.IsErrorPost(""))
}
