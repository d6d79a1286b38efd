package message

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/stringutil"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

type subagentEntry struct {
	postID      string
	startTime   time.Time
	completedAt time.Time
	description string
	agentType   string
	minimized   bool
	complete    bool
	result      string
	isError     bool
	lastRender  string
}

func (s *subagentEntry) elapsed() time.Duration {
	if s.complete {
		return s.completedAt.Sub(s.startTime)
	}
	return time.Since(s.startTime)
}

// SubagentExecutor tracks Task tool invocations, one post per
// subagent. A shared one second ticker refreshes the elapsed time on
// active posts and stops itself once every subagent has completed.
type SubagentExecutor struct {
	ec *ExecContext

	mu      sync.Mutex
	entries map[string]*subagentEntry
	stopCh  chan struct{}
}

// NewSubagentExecutor returns a subagent executor.
func NewSubagentExecutor(ec *ExecContext) *SubagentExecutor {
	return &SubagentExecutor{ec: ec, entries: make(map[string]*subagentEntry)}
}

// Start posts a progress card for a newly spawned subagent.
func (e *SubagentExecutor) Start(toolUseID, description, agentType string) {
	if toolUseID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.entries[toolUseID]; ok {
		e.ec.Logger.Warn("duplicate subagent start dropped", zap.String("tool_use_id", toolUseID))
		return
	}

	entry := &subagentEntry{
		startTime:   time.Now(),
		description: description,
		agentType:   agentType,
	}
	content := e.renderLocked(entry)

	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content,
		[]string{emoji.NameMinimize})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("subagent post create failed", zap.Error(err),
			zap.String("tool_use_id", toolUseID))
		return
	}

	entry.postID = post.ID
	entry.lastRender = content
	e.entries[toolUseID] = entry
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleSubagent, ToolUseID: toolUseID})
	e.ensureTickerLocked()
}

// Complete marks a subagent finished and freezes its post.
func (e *SubagentExecutor) Complete(toolUseID, result string, isError bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[toolUseID]
	if !ok {
		return
	}
	entry.complete = true
	entry.completedAt = time.Now()
	entry.result = result
	entry.isError = isError
	e.updateEntryLocked(entry)

	if e.activeCountLocked() == 0 {
		e.stopTickerLocked()
	}
}

// HandleReaction toggles the minimized rendering of a subagent post.
// Both adding and removing the reaction toggle.
func (e *SubagentExecutor) HandleReaction(postID string, em emoji.Emoji, _ bool) bool {
	if em.Kind != emoji.Minimize {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.entries {
		if entry.postID == postID {
			entry.minimized = !entry.minimized
			e.updateEntryLocked(entry)
			return true
		}
	}
	return false
}

// Reset stops the ticker and forgets all subagents.
func (e *SubagentExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTickerLocked()
	e.entries = make(map[string]*subagentEntry)
}

// ActiveCount reports how many subagents are still running.
func (e *SubagentExecutor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCountLocked()
}

func (e *SubagentExecutor) activeCountLocked() int {
	n := 0
	for _, entry := range e.entries {
		if !entry.complete {
			n++
		}
	}
	return n
}

func (e *SubagentExecutor) ensureTickerLocked() {
	if e.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	e.stopCh = stop
	go e.run(stop)
}

func (e *SubagentExecutor) stopTickerLocked() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
}

func (e *SubagentExecutor) run(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.refresh()
		}
	}
}

// refresh re-renders active entries so the elapsed time advances.
func (e *SubagentExecutor) refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range e.entries {
		if entry.complete || entry.postID == "" {
			continue
		}
		e.updateEntryLocked(entry)
	}
}

// updateEntryLocked pushes the current rendering to the platform,
// skipping the call when nothing changed.
func (e *SubagentExecutor) updateEntryLocked(entry *subagentEntry) {
	content := e.renderLocked(entry)
	if content == entry.lastRender || entry.postID == "" {
		return
	}
	ctx, cancel := e.ec.CallCtx()
	_, err := e.ec.Platform.UpdatePost(ctx, entry.postID, content)
	cancel()
	if err != nil {
		e.ec.Logger.Debug("subagent post update failed", zap.Error(err),
			zap.String("post_id", entry.postID))
		return
	}
	entry.lastRender = content
}

func (e *SubagentExecutor) renderLocked(entry *subagentEntry) string {
	f := e.ec.Platform.Formatter()

	agentType := entry.agentType
	if agentType == "" {
		agentType = "general"
	}
	header := "🤖 " + f.FormatBold("Subagent") + " " + f.FormatCode(agentType)

	var status string
	switch {
	case entry.isError:
		status = "❌ failed after " + formatElapsed(entry.elapsed())
	case entry.complete:
		status = "✅ done in " + formatElapsed(entry.elapsed())
	default:
		status = "⏱ " + formatElapsed(entry.elapsed()) + " elapsed"
	}

	if entry.minimized {
		return header + " · " + status
	}

	out := header + "\n" + entry.description + "\n\n" + status
	if entry.complete && entry.result != "" {
		out += "\n\n" + stringutil.TruncateBytes(entry.result, 2000)
	}
	return out
}

// formatElapsed renders a duration as 42s, 3m12s or 1h04m.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Seconds())
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm%02ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh%02dm", s/3600, (s%3600)/60)
	}
}
