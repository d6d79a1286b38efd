package assistant

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
)

// EventType tags a normalized assistant event.
type EventType string

const (
	EventText             EventType = "assistant"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventResult           EventType = "result"
	EventTodoWrite        EventType = "todo_write"
	EventQuestion         EventType = "ask_user_question"
	EventPlanApproval     EventType = "plan_approval"
	EventActionApproval   EventType = "action_approval"
	EventSubagentStart    EventType = "subagent_start"
	EventSubagentComplete EventType = "subagent_complete"
	EventStatusUpdate     EventType = "status_update"
	EventInit             EventType = "init"
	EventError            EventType = "error"
)

// TaskStatus values for task items.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Task is one checklist item from a todo_write event.
type Task struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// Question is one multiple-choice question from an ask_user_question event.
type Question struct {
	Header   string   `json:"header,omitempty"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Status carries model and usage figures from a status_update event.
type Status struct {
	Model         string
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	ContextWindow int64
	CostUSD       float64
}

// Event is a normalized assistant event consumed by the message manager.
// Type determines which fields are meaningful.
type Event struct {
	Type      EventType
	SessionID string

	// EventText
	Text string

	// EventToolUse / EventToolResult / EventSubagent*
	ToolName   string
	ToolUseID  string
	ToolInput  map[string]any
	ToolOutput string
	IsError    bool

	// EventTodoWrite
	Tasks []Task

	// EventQuestion
	Questions []Question

	// EventPlanApproval
	PlanText string

	// EventActionApproval; RequestID answers the control request
	RequestID string

	// EventSubagentStart
	Description  string
	SubagentType string

	// EventStatusUpdate
	Status *Status

	// EventInit
	SlashCommands []string
	Model         string

	// EventResult / EventError
	ResultText string
	ErrorText  string
}

// Normalizer converts wire messages into normalized events. It keeps the
// set of in-flight Task tool ids so their results become subagent
// completions rather than plain tool results.
type Normalizer struct {
	logger *logger.Logger

	sessionID     string
	contextWindow int64
	subagents     map[string]bool
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(log *logger.Logger) *Normalizer {
	return &Normalizer{
		logger:    log.WithFields(zap.String("component", "normalizer")),
		subagents: make(map[string]bool),
	}
}

// SessionID returns the CLI session id seen on the stream, if any.
func (n *Normalizer) SessionID() string {
	return n.sessionID
}

// Normalize converts one wire message into zero or more events.
// Unknown message shapes produce no events.
func (n *Normalizer) Normalize(msg *CLIMessage) []Event {
	if msg.SessionID != "" {
		n.sessionID = msg.SessionID
	}

	switch msg.Type {
	case MessageTypeSystem:
		return n.normalizeSystem(msg)
	case MessageTypeAssistant:
		return n.normalizeAssistant(msg)
	case MessageTypeUser:
		return n.normalizeUser(msg)
	case MessageTypeResult:
		return n.normalizeResult(msg)
	default:
		n.logger.Debug("ignoring unknown message type", zap.String("type", msg.Type))
		return nil
	}
}

func (n *Normalizer) normalizeSystem(msg *CLIMessage) []Event {
	return []Event{{
		Type:          EventInit,
		SessionID:     msg.SessionID,
		Model:         msg.Model,
		SlashCommands: msg.SlashCommands,
	}}
}

func (n *Normalizer) normalizeAssistant(msg *CLIMessage) []Event {
	if msg.Message == nil {
		return nil
	}

	var events []Event
	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, Event{
					Type:      EventText,
					SessionID: n.sessionID,
					Text:      block.Text,
				})
			}
		case "tool_use":
			events = append(events, n.normalizeToolUse(block)...)
		}
	}

	if usage := msg.Message.Usage; usage != nil {
		events = append(events, Event{
			Type:      EventStatusUpdate,
			SessionID: n.sessionID,
			Status: &Status{
				Model:         msg.Message.Model,
				InputTokens:   usage.InputTokens,
				OutputTokens:  usage.OutputTokens,
				TotalTokens:   usage.TotalTokens(),
				ContextWindow: n.contextWindow,
			},
		})
	}

	return events
}

func (n *Normalizer) normalizeToolUse(block ContentBlock) []Event {
	switch block.Name {
	case ToolTodoWrite:
		return []Event{{
			Type:      EventTodoWrite,
			SessionID: n.sessionID,
			ToolUseID: block.ID,
			Tasks:     parseTasks(block.Input),
		}}

	case ToolAskUserQuestion:
		questions := parseQuestions(block.Input)
		if len(questions) == 0 {
			n.logger.Warn("question tool call without questions", zap.String("tool_use_id", block.ID))
			return nil
		}
		return []Event{{
			Type:      EventQuestion,
			SessionID: n.sessionID,
			ToolUseID: block.ID,
			Questions: questions,
		}}

	case ToolExitPlanMode:
		plan, _ := block.Input["plan"].(string)
		return []Event{{
			Type:      EventPlanApproval,
			SessionID: n.sessionID,
			ToolUseID: block.ID,
			PlanText:  plan,
		}}

	case ToolTask:
		n.subagents[block.ID] = true
		description, _ := block.Input["description"].(string)
		subagentType, _ := block.Input["subagent_type"].(string)
		return []Event{{
			Type:         EventSubagentStart,
			SessionID:    n.sessionID,
			ToolUseID:    block.ID,
			Description:  description,
			SubagentType: subagentType,
		}}

	default:
		return []Event{{
			Type:      EventToolUse,
			SessionID: n.sessionID,
			ToolName:  block.Name,
			ToolUseID: block.ID,
			ToolInput: block.Input,
		}}
	}
}

func (n *Normalizer) normalizeUser(msg *CLIMessage) []Event {
	if msg.Message == nil {
		return nil
	}

	var events []Event
	for _, block := range msg.Message.GetContentBlocks() {
		if block.Type != "tool_result" {
			continue
		}

		if n.subagents[block.ToolUseID] {
			delete(n.subagents, block.ToolUseID)
			events = append(events, Event{
				Type:       EventSubagentComplete,
				SessionID:  n.sessionID,
				ToolUseID:  block.ToolUseID,
				ToolOutput: block.ContentText(),
				IsError:    block.IsError,
			})
			continue
		}

		events = append(events, Event{
			Type:       EventToolResult,
			SessionID:  n.sessionID,
			ToolUseID:  block.ToolUseID,
			ToolOutput: block.ContentText(),
			IsError:    block.IsError,
		})
	}
	return events
}

func (n *Normalizer) normalizeResult(msg *CLIMessage) []Event {
	// The result message carries the authoritative context window size
	for _, stats := range msg.ModelUsage {
		if stats.ContextWindow != nil && *stats.ContextWindow > 0 {
			n.contextWindow = *stats.ContextWindow
		}
	}

	if msg.IsError {
		text := msg.GetResultString()
		if text == "" {
			text = "assistant reported an error"
		}
		return []Event{{
			Type:       EventError,
			SessionID:  n.sessionID,
			ErrorText:  text,
			ResultText: text,
		}}
	}

	events := []Event{{
		Type:       EventResult,
		SessionID:  n.sessionID,
		ResultText: msg.GetResultString(),
	}}

	if msg.Usage != nil {
		events = append(events, Event{
			Type:      EventStatusUpdate,
			SessionID: n.sessionID,
			Status: &Status{
				InputTokens:   msg.Usage.InputTokens,
				OutputTokens:  msg.Usage.OutputTokens,
				TotalTokens:   msg.Usage.TotalTokens(),
				ContextWindow: n.contextWindow,
				CostUSD:       msg.CostUSD,
			},
		})
	}
	return events
}

// parseTasks decodes the todos argument of a TodoWrite tool call.
func parseTasks(input map[string]any) []Task {
	raw, ok := input["todos"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil
	}
	return tasks
}

// parseQuestions decodes the questions argument of an AskUserQuestion tool call.
func parseQuestions(input map[string]any) []Question {
	raw, ok := input["questions"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var wire []struct {
		Header   string `json:"header"`
		Question string `json:"question"`
		Options  []struct {
			Label string `json:"label"`
		} `json:"options"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil
	}

	questions := make([]Question, 0, len(wire))
	for _, q := range wire {
		opts := make([]string, 0, len(q.Options))
		for _, o := range q.Options {
			opts = append(opts, o.Label)
		}
		questions = append(questions, Question{
			Header:   q.Header,
			Question: q.Question,
			Options:  opts,
		})
	}
	return questions
}
