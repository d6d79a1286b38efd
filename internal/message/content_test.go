package message

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

func setupContent(t *testing.T, debounce time.Duration) (*ContentExecutor, *mockPlatform) {
	t.Helper()
	ec, mock := setupExecContext(t)
	return NewContentExecutor(ec, debounce), mock
}

func TestContentAppendCreatesPostAfterDebounce(t *testing.T) {
	c, mock := setupContent(t, 10*time.Millisecond)

	c.Append("hello")

	require.Eventually(t, func() bool { return mock.createCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", mock.postContent(c.CurrentPostID()))

	meta, ok := c.ec.Tracker.Lookup(c.CurrentPostID())
	require.True(t, ok)
	assert.Equal(t, RoleContent, meta.Role)
}

func TestContentAppendCoalescesIntoOnePost(t *testing.T) {
	c, mock := setupContent(t, 20*time.Millisecond)

	c.Append("hello")
	c.Append(" ")
	c.Append("world")

	require.Eventually(t, func() bool { return mock.createCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello world", mock.postContent(c.CurrentPostID()))
	assert.False(t, c.HasPending())
}

func TestContentGrowsPostInPlace(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	c.Append("first part")
	c.Flush(FlushExplicit)
	first := c.CurrentPostID()
	require.NotEmpty(t, first)

	c.Append(" second part")
	c.Flush(FlushExplicit)

	assert.Equal(t, first, c.CurrentPostID(), "the post should grow, not be replaced")
	assert.Equal(t, "first part second part", mock.postContent(first))
	assert.Equal(t, 1, mock.createCount())
}

func TestContentFlushWithoutPendingIsNoop(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	c.Flush(FlushExplicit)

	assert.Equal(t, 0, mock.createCount())
	assert.Equal(t, 0, mock.updateCount())
}

func TestContentCancelSuppressesFlushesUntilNextAppend(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	c.Append("buffered")
	c.Cancel()
	c.Flush(FlushExplicit)
	assert.Equal(t, 0, mock.createCount(), "flushes are suppressed after cancel")
	assert.True(t, c.HasPending(), "cancel keeps buffered content")

	c.Append(" tail")
	c.Flush(FlushExplicit)
	require.Equal(t, 1, mock.createCount())
	assert.Equal(t, "buffered tail", mock.postContent(c.CurrentPostID()))
}

func TestContentHardThresholdFlushesImmediately(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	para := strings.Repeat("a", 11000)
	tail := strings.Repeat("b", 1000)
	c.Append(para + "\n\n" + tail)

	// No debounce wait: the append itself must have flushed.
	require.Equal(t, 2, mock.createCount())
	assert.Equal(t, para, mock.createCalls[0])
	assert.Equal(t, tail, mock.createCalls[1])
	assert.Equal(t, tail, mock.postContent(c.CurrentPostID()))
	assert.False(t, c.HasPending())
}

func TestContentSoftThresholdFreezesPostAndStartsNew(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	head := strings.Repeat("a", 10500)
	c.Append(head)
	c.Flush(FlushExplicit)
	first := c.CurrentPostID()
	require.NotEmpty(t, first)

	tail := strings.Repeat("b", 400)
	c.Append("\n\n" + tail)
	c.Flush(FlushExplicit)

	second := c.CurrentPostID()
	assert.NotEqual(t, first, second, "overflow should start a new post")
	assert.Equal(t, head, mock.postContent(first), "the old post is frozen at the boundary")
	assert.Equal(t, tail, mock.postContent(second))

	meta, ok := c.ec.Tracker.Lookup(first)
	require.True(t, ok)
	assert.Equal(t, RoleContent, meta.Role, "frozen posts stay registered as content")
}

func TestContentFailedUpdateDeletesPostAndRetries(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	c.Append("hello")
	c.Flush(FlushExplicit)
	first := c.CurrentPostID()
	require.NotEmpty(t, first)

	mock.setFailUpdate(true)
	c.Append(" world")
	c.Flush(FlushExplicit)

	assert.Empty(t, c.CurrentPostID(), "the broken post id is dropped")
	assert.False(t, mock.hasPost(first), "the broken post is deleted")
	assert.Equal(t, 1, mock.createCount(), "no replacement is created in the same flush")

	mock.setFailUpdate(false)
	c.Flush(FlushExplicit)

	require.Equal(t, 2, mock.createCount())
	assert.Equal(t, "hello world", mock.postContent(c.CurrentPostID()),
		"the full content is reposted once the old post is gone")
}

func TestContentFailedUpdateAndDeleteKeepsTailOnly(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	c.Append("hello")
	c.Flush(FlushExplicit)
	first := c.CurrentPostID()
	require.NotEmpty(t, first)

	mock.setFailUpdate(true)
	mock.setFailDelete(true)
	c.Append(" world")
	c.Flush(FlushExplicit)

	assert.Empty(t, c.CurrentPostID())
	assert.True(t, mock.hasPost(first), "the stale post survives the failed delete")

	mock.setFailUpdate(false)
	mock.setFailDelete(false)
	c.Flush(FlushExplicit)

	require.Equal(t, 2, mock.createCount())
	assert.Equal(t, " world", mock.postContent(c.CurrentPostID()),
		"only the unposted tail is retried to avoid duplicating visible content")
}

func TestContentRepurposeDonatedPost(t *testing.T) {
	c, mock := setupContent(t, time.Hour)

	var donated string
	c.SetRepurpose(func(content string) string {
		donated = content
		return "donated-1"
	})

	c.Append("reused content")
	c.Flush(FlushExplicit)

	assert.Equal(t, 0, mock.createCount(), "the donated post replaces a create")
	assert.Equal(t, "reused content", donated)
	assert.Equal(t, "donated-1", c.CurrentPostID())

	meta, ok := c.ec.Tracker.Lookup("donated-1")
	require.True(t, ok)
	assert.Equal(t, RoleContent, meta.Role)
}

func TestContentCustomLimits(t *testing.T) {
	c, mock := setupContent(t, time.Hour)
	mock.setLimits(platform.MessageLimits{MaxLength: 4000, HardThreshold: 3000})

	// Soft threshold is 1500 here; crossing it freezes the first post.
	head := strings.Repeat("a", 1600)
	tail := strings.Repeat("b", 200)
	c.Append(head + "\n\n" + tail)
	c.Flush(FlushExplicit)

	require.Equal(t, 2, mock.createCount())
	assert.Equal(t, head, mock.createCalls[0])
	assert.Equal(t, tail, mock.postContent(c.CurrentPostID()))
}
