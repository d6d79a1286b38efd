package message

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

// FlushReason says why pending content is being pushed to the platform.
type FlushReason string

const (
	FlushSoftThreshold FlushReason = "soft_threshold"
	FlushHardThreshold FlushReason = "hard_threshold"
	FlushLogicalBreak  FlushReason = "logical_break"
	FlushResult        FlushReason = "result"
	FlushToolComplete  FlushReason = "tool_complete"
	FlushExplicit      FlushReason = "explicit"
)

// defaultFlushDebounce delays a flush after an append so rapid streaming
// deltas coalesce into one post update.
const defaultFlushDebounce = 200 * time.Millisecond

// RepurposeFunc lets another executor donate an existing post for new
// content. It writes the content into the donated post and returns its
// id, or returns "" when it has nothing to donate.
type RepurposeFunc func(content string) string

// ContentExecutor streams assistant text into thread posts. Text is
// buffered and flushed on a debounce timer; a post grows in place until
// it crosses the soft threshold, at which point it is frozen at a
// natural boundary and the overflow starts a new post.
//
// Platform calls happen while holding the executor mutex, which is what
// serializes post operations for this executor.
type ContentExecutor struct {
	ec *ExecContext

	mu                 sync.Mutex
	currentPostID      string
	currentPostContent string
	pendingContent     string
	flushTimer         *time.Timer
	debounce           time.Duration
	cancelled          bool
	repurpose          RepurposeFunc
}

// NewContentExecutor returns a content executor flushing after the given
// debounce interval.
func NewContentExecutor(ec *ExecContext, debounce time.Duration) *ContentExecutor {
	if debounce <= 0 {
		debounce = defaultFlushDebounce
	}
	return &ContentExecutor{ec: ec, debounce: debounce}
}

// SetRepurpose installs the post donation hook. Must be called before
// the executor sees traffic.
func (c *ContentExecutor) SetRepurpose(fn RepurposeFunc) {
	c.repurpose = fn
}

// Append buffers streamed text. The flush timer restarts on every
// append; content that would blow past the hard threshold flushes
// immediately instead.
func (c *ContentExecutor) Append(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = false
	c.pendingContent += text

	if len(c.currentPostContent)+len(c.pendingContent) > c.ec.Limits().HardThreshold {
		c.flushLocked(FlushHardThreshold)
		return
	}

	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(c.debounce, func() {
		c.Flush(FlushLogicalBreak)
	})
}

// Flush pushes buffered content to the platform now.
func (c *ContentExecutor) Flush(reason FlushReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked(reason)
}

// Cancel drops the flush timer and suppresses flushes until the next
// append. Buffered content stays intact.
func (c *ContentExecutor) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.cancelled = true
}

func (c *ContentExecutor) flushLocked(reason FlushReason) {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	if c.cancelled || c.pendingContent == "" {
		return
	}

	combined := c.currentPostContent + c.pendingContent
	limits := c.ec.Limits()

	if c.currentPostID != "" && len(combined) <= SoftThreshold(limits) {
		c.updateInPlace(combined, reason)
		return
	}
	if reason == FlushLogicalBreak && c.currentPostID != "" {
		reason = FlushSoftThreshold
	}
	c.flushChunks(combined, limits, reason)
}

// updateInPlace grows the current post to the combined content.
func (c *ContentExecutor) updateInPlace(combined string, reason FlushReason) {
	ctx, cancel := c.ec.CallCtx()
	defer cancel()
	if _, err := c.ec.Platform.UpdatePost(ctx, c.currentPostID, combined); err != nil {
		c.recoverFailedUpdate(combined, err)
		return
	}
	c.currentPostContent = combined
	c.pendingContent = ""
	c.ec.Logger.Debug("content flushed",
		zap.String("reason", string(reason)),
		zap.Int("size", len(combined)))
}

// flushChunks freezes the current post (when there is one) at a natural
// boundary and spreads the overflow across new posts. The last chunk
// becomes the new current post.
func (c *ContentExecutor) flushChunks(combined string, limits platform.MessageLimits, reason FlushReason) {
	remaining := combined

	if c.currentPostID != "" {
		chunk, rest := c.ec.Breaker.BreakStream(remaining, limits)
		ctx, cancel := c.ec.CallCtx()
		_, err := c.ec.Platform.UpdatePost(ctx, c.currentPostID, chunk)
		cancel()
		if err != nil {
			c.recoverFailedUpdate(combined, err)
			return
		}
		if rest == "" {
			c.currentPostContent = chunk
			c.pendingContent = ""
			return
		}
		// The post is frozen at this boundary; the tail moves on.
		c.currentPostID = ""
		c.currentPostContent = ""
		c.pendingContent = rest
		remaining = rest
	}

	created := 0
	for remaining != "" {
		chunk, rest := c.ec.Breaker.BreakStream(remaining, limits)
		if chunk == "" {
			c.pendingContent = rest
			remaining = rest
			continue
		}

		id, err := c.createContentPost(chunk)
		if err != nil {
			c.ec.Logger.Warn("content post create failed, keeping content buffered",
				zap.Int("size", len(remaining)),
				zap.Error(err))
			c.pendingContent = remaining
			return
		}
		created++

		if rest == "" {
			c.currentPostID = id
			c.currentPostContent = chunk
			c.pendingContent = ""
		} else {
			c.pendingContent = rest
		}
		remaining = rest
	}

	c.ec.Logger.Debug("content flushed",
		zap.String("reason", string(reason)),
		zap.Int("size", len(combined)),
		zap.Int("posts_created", created))
}

// recoverFailedUpdate handles an update failure on the current post: the
// post is deleted and the id dropped so the next flush recreates it.
// Content is never reposted in the same flush, so a half-applied update
// cannot produce duplicates.
func (c *ContentExecutor) recoverFailedUpdate(combined string, err error) {
	c.ec.Logger.Warn("content post update failed, dropping post",
		zap.String("post_id", c.currentPostID),
		zap.Error(err))

	ctx, cancel := c.ec.CallCtx()
	delErr := c.ec.Platform.DeletePost(ctx, c.currentPostID)
	cancel()
	c.ec.Tracker.Unregister(c.currentPostID)

	if delErr != nil {
		// The stale post may still be visible with its old content, so
		// only the unposted tail is retried.
		c.ec.Logger.Warn("content post delete failed, retrying tail only",
			zap.String("post_id", c.currentPostID),
			zap.Error(delErr))
	} else {
		c.pendingContent = combined
	}
	c.currentPostID = ""
	c.currentPostContent = ""
}

func (c *ContentExecutor) createContentPost(chunk string) (string, error) {
	if c.repurpose != nil {
		if id := c.repurpose(chunk); id != "" {
			c.ec.Tracker.Register(id, PostMeta{Role: RoleContent})
			return id, nil
		}
	}

	ctx, cancel := c.ec.CallCtx()
	defer cancel()
	post, err := c.ec.Platform.CreatePost(ctx, c.ec.ThreadID, chunk)
	if err != nil {
		return "", err
	}
	c.ec.Tracker.Register(post.ID, PostMeta{Role: RoleContent})
	return post.ID, nil
}

// CurrentPostID returns the id of the post currently being grown.
func (c *ContentExecutor) CurrentPostID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentPostID
}

// HasPending reports whether unflushed content is buffered.
func (c *ContentExecutor) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingContent != ""
}
