package message

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/common/stringutil"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

const opQueueSize = 256

// Config wires a message manager to its thread.
type Config struct {
	PlatformID    string
	ThreadID      string
	Platform      platform.Client
	Bus           bus.EventBus
	Logger        *logger.Logger
	FlushDebounce time.Duration
}

// Manager owns every post the bot writes into one thread. Assistant
// events are queued and dispatched by a single goroutine, so post
// operations within a thread never race each other. Reactions are
// routed through the executors in a fixed order; a reaction no
// executor claims is left for the session layer.
type Manager struct {
	ec  *ExecContext
	log *logger.Logger

	content     *ContentExecutor
	tasks       *TaskListExecutor
	interactive *InteractiveExecutor
	prompts     *PromptExecutor
	approvals   *MessageApprovalExecutor
	subagents   *SubagentExecutor
	bugReports  *BugReportExecutor
	system      *SystemExecutor

	ops      chan assistant.Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	lastStatus *assistant.Status
}

// NewManager builds the executor set for one thread.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger.WithSession(cfg.PlatformID, cfg.ThreadID)
	ec := &ExecContext{
		PlatformID: cfg.PlatformID,
		ThreadID:   cfg.ThreadID,
		Platform:   cfg.Platform,
		Tracker:    NewPostTracker(),
		Breaker:    NewBreaker(),
		Bus:        cfg.Bus,
		Logger:     log,
	}

	m := &Manager{
		ec:          ec,
		log:         log,
		content:     NewContentExecutor(ec, cfg.FlushDebounce),
		tasks:       NewTaskListExecutor(ec),
		interactive: NewInteractiveExecutor(ec),
		prompts:     NewPromptExecutor(ec),
		approvals:   NewMessageApprovalExecutor(ec),
		subagents:   NewSubagentExecutor(ec),
		bugReports:  NewBugReportExecutor(ec),
		system:      NewSystemExecutor(ec),
		ops:         make(chan assistant.Event, opQueueSize),
		stopCh:      make(chan struct{}),
	}

	// When streaming needs a fresh content post, an active task list
	// at the bottom of the thread donates its post and recreates
	// itself below the new content.
	m.content.SetRepurpose(m.tasks.BumpAndGetOldPost)
	return m
}

// Start launches the dispatch loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts dispatch, drops queued events and freezes the executors.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.content.Cancel()
	m.subagents.Reset()
}

// HandleEvent queues an assistant event for dispatch. It blocks when
// the queue is full, applying backpressure to the stream reader.
func (m *Manager) HandleEvent(ev assistant.Event) {
	select {
	case <-m.stopCh:
	case m.ops <- ev:
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case ev := <-m.ops:
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev assistant.Event) {
	switch ev.Type {
	case assistant.EventText:
		m.content.Append(ev.Text)

	case assistant.EventToolUse:
		m.content.Append(m.toolLine(ev))

	case assistant.EventToolResult:
		m.content.Flush(FlushToolComplete)

	case assistant.EventTodoWrite:
		m.content.Flush(FlushLogicalBreak)
		if allTasksDone(ev.Tasks) {
			m.tasks.Complete(ev.Tasks)
		} else {
			m.tasks.Update(ev.Tasks)
		}

	case assistant.EventQuestion:
		m.content.Flush(FlushLogicalBreak)
		m.interactive.ExecuteQuestion(ev.ToolUseID, ev.Questions)

	case assistant.EventPlanApproval:
		m.content.Flush(FlushLogicalBreak)
		m.interactive.ExecutePlanApproval(ev.ToolUseID, ev.PlanText)

	case assistant.EventActionApproval:
		m.content.Flush(FlushLogicalBreak)
		m.interactive.ExecuteActionApproval(ev.RequestID, ev.ToolUseID, ev.ToolName, ev.ToolInput)

	case assistant.EventSubagentStart:
		m.subagents.Start(ev.ToolUseID, ev.Description, ev.SubagentType)

	case assistant.EventSubagentComplete:
		m.subagents.Complete(ev.ToolUseID, ev.ToolOutput, ev.IsError)

	case assistant.EventStatusUpdate:
		m.mu.Lock()
		m.lastStatus = ev.Status
		m.mu.Unlock()

	case assistant.EventResult:
		m.content.Flush(FlushResult)

	case assistant.EventError:
		m.content.Flush(FlushLogicalBreak)
		m.system.PostError(ev.ErrorText)

	case assistant.EventInit:
		m.log.Debug("assistant session initialized",
			zap.String("model", ev.Model),
			zap.Int("slash_commands", len(ev.SlashCommands)))

	default:
		m.log.Debug("unhandled assistant event", zap.String("type", string(ev.Type)))
	}
}

// HandleReaction offers a reaction to each executor in turn and
// reports whether one of them claimed it.
func (m *Manager) HandleReaction(postID string, em emoji.Emoji, added bool) bool {
	if m.prompts.HandleReaction(postID, em, added) {
		return true
	}
	if m.approvals.HandleReaction(postID, em, added) {
		return true
	}
	if m.interactive.HandleReaction(postID, em, added) {
		return true
	}
	if m.bugReports.HandleReaction(postID, em, added) {
		return true
	}
	if m.tasks.HandleReaction(postID, em, added) {
		return true
	}
	return m.subagents.HandleReaction(postID, em, added)
}

// Flush forces pending streamed content out immediately.
func (m *Manager) Flush() {
	m.content.Flush(FlushExplicit)
}

// CancelStream drops buffered content and suppresses queued flushes.
func (m *Manager) CancelStream() {
	m.content.Cancel()
}

// BumpTaskList moves an active task list to the bottom of the thread.
func (m *Manager) BumpTaskList() {
	m.tasks.BumpToBottom()
}

// Snapshot captures the restart-safe state of this thread's posts.
func (m *Manager) Snapshot() State {
	return State{
		TaskListState:         m.tasks.Snapshot(),
		PendingContextPrompt:  m.prompts.PendingContextPrompt(),
		PendingWorktreePrompt: m.prompts.PendingWorktreePrompt(),
	}
}

// Hydrate restores post routing from a persisted snapshot.
func (m *Manager) Hydrate(st State) {
	m.tasks.Hydrate(st.TaskListState)
	m.prompts.HydrateContextPrompt(st.PendingContextPrompt)
	m.prompts.HydrateWorktreePrompt(st.PendingWorktreePrompt)
}

// LastStatus returns the latest model usage figures, or nil.
func (m *Manager) LastStatus() *assistant.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastStatus == nil {
		return nil
	}
	st := *m.lastStatus
	return &st
}

// Prompts exposes the prompt executor for the session layer.
func (m *Manager) Prompts() *PromptExecutor { return m.prompts }

// Approvals exposes the message approval executor.
func (m *Manager) Approvals() *MessageApprovalExecutor { return m.approvals }

// BugReports exposes the bug report executor.
func (m *Manager) BugReports() *BugReportExecutor { return m.bugReports }

// System exposes the system notice executor.
func (m *Manager) System() *SystemExecutor { return m.system }

// Tracker exposes the post index for this thread.
func (m *Manager) Tracker() *PostTracker { return m.ec.Tracker }

// toolLine renders a one line notice that a tool started.
func (m *Manager) toolLine(ev assistant.Event) string {
	f := m.ec.Platform.Formatter()
	line := "\n🔧 " + f.FormatBold(ev.ToolName)
	if d := toolDetail(ev.ToolName, ev.ToolInput); d != "" {
		line += " " + f.FormatCode(d)
	}
	return line + "\n"
}

func toolDetail(name string, input map[string]any) string {
	if input == nil {
		return ""
	}
	var raw string
	switch name {
	case "Bash":
		raw, _ = input["command"].(string)
	case "Read", "Edit", "Write", "NotebookEdit":
		raw, _ = input["file_path"].(string)
	case "Glob", "Grep":
		raw, _ = input["pattern"].(string)
	case "WebFetch":
		raw, _ = input["url"].(string)
	}
	if idx := strings.IndexByte(raw, '\n'); idx >= 0 {
		raw = raw[:idx]
	}
	return stringutil.TruncateBytes(strings.TrimSpace(raw), 120)
}

func allTasksDone(tasks []assistant.Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != assistant.TaskCompleted {
			return false
		}
	}
	return true
}
