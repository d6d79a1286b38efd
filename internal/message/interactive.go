package message

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant"
	"github.com/anneschuth/claude-threads-sub002/internal/common/stringutil"
	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
)

// QuestionSet is an in-flight multiple-choice exchange. Questions are
// asked one post at a time; answers accumulate until the last question
// resolves the whole set.
type QuestionSet struct {
	ToolUseID    string
	PostID       string
	CurrentIndex int
	Questions    []assistant.Question
	Answers      []string
}

// PendingApproval is an in-flight plan or action approval.
type PendingApproval struct {
	Kind      string // "plan" or "action"
	ToolUseID string
	RequestID string
	PostID    string
	ToolName  string
}

// InteractiveExecutor runs questions and approvals as reaction-driven
// posts. One question set and one approval of each kind can be pending
// at a time; duplicates while one is pending are dropped.
//
// Nothing here is persisted: a restart abandons pending exchanges and
// the assistant re-asks on resume.
type InteractiveExecutor struct {
	ec *ExecContext

	mu             sync.Mutex
	question       *QuestionSet
	planApproval   *PendingApproval
	actionApproval *PendingApproval
}

// NewInteractiveExecutor returns an interactive executor.
func NewInteractiveExecutor(ec *ExecContext) *InteractiveExecutor {
	return &InteractiveExecutor{ec: ec}
}

// ExecuteQuestion posts the first question of a set. A second set while
// one is pending is dropped.
func (e *InteractiveExecutor) ExecuteQuestion(toolUseID string, questions []assistant.Question) {
	if len(questions) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.question != nil {
		e.ec.Logger.Warn("dropping question set while another is pending",
			zap.String("tool_use_id", toolUseID),
			zap.String("pending_tool_use_id", e.question.ToolUseID))
		return
	}

	qs := &QuestionSet{
		ToolUseID: toolUseID,
		Questions: questions,
		Answers:   make([]string, 0, len(questions)),
	}
	if !e.postQuestionLocked(qs) {
		return
	}
	e.question = qs
}

// ExecutePlanApproval posts a plan for approval.
func (e *InteractiveExecutor) ExecutePlanApproval(toolUseID, planText string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.planApproval != nil {
		e.ec.Logger.Warn("dropping plan approval while another is pending",
			zap.String("tool_use_id", toolUseID))
		return
	}

	f := e.ec.Platform.Formatter()
	content := "📋 " + f.FormatBold("Plan ready for review") + "\n\n" +
		truncateForPost(planText, e.ec.Limits()) + "\n\n" +
		"React 👍 to approve the plan or 👎 to keep planning."

	id := e.createApprovalPostLocked(content, RolePlanApproval, toolUseID)
	if id == "" {
		return
	}
	e.planApproval = &PendingApproval{Kind: "plan", ToolUseID: toolUseID, PostID: id}
}

// ExecuteActionApproval posts a permission request for a tool call.
func (e *InteractiveExecutor) ExecuteActionApproval(requestID, toolUseID, toolName string, input map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.actionApproval != nil {
		e.ec.Logger.Warn("dropping action approval while another is pending",
			zap.String("request_id", requestID),
			zap.String("tool", toolName))
		return
	}

	f := e.ec.Platform.Formatter()
	content := "🔐 " + f.FormatBold("Permission needed") + ": " + f.FormatCode(toolName)
	if detail := formatToolInput(f, toolName, input); detail != "" {
		content += "\n" + detail
	}
	content += "\n\nReact 👍 to allow or 👎 to deny."

	id := e.createApprovalPostLocked(content, RoleActionApproval, toolUseID)
	if id == "" {
		return
	}
	e.actionApproval = &PendingApproval{
		Kind:      "action",
		ToolUseID: toolUseID,
		RequestID: requestID,
		PostID:    id,
		ToolName:  toolName,
	}
}

// HandleReaction resolves a pending exchange when the reaction belongs
// to one of its posts. Only added reactions act.
func (e *InteractiveExecutor) HandleReaction(postID string, em emoji.Emoji, added bool) bool {
	if !added {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.question != nil && postID == e.question.PostID {
		return e.handleQuestionReactionLocked(em)
	}
	if e.planApproval != nil && postID == e.planApproval.PostID {
		return e.handleApprovalReactionLocked(e.planApproval, em)
	}
	if e.actionApproval != nil && postID == e.actionApproval.PostID {
		return e.handleApprovalReactionLocked(e.actionApproval, em)
	}
	return false
}

// Clear abandons all pending exchanges, typically on session end.
func (e *InteractiveExecutor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.question = nil
	e.planApproval = nil
	e.actionApproval = nil
}

// HasPendingQuestion reports whether a question set awaits an answer.
func (e *InteractiveExecutor) HasPendingQuestion() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.question != nil
}

// HasPendingApproval reports whether any approval awaits a reaction.
func (e *InteractiveExecutor) HasPendingApproval() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.planApproval != nil || e.actionApproval != nil
}

func (e *InteractiveExecutor) handleQuestionReactionLocked(em emoji.Emoji) bool {
	if em.Kind != emoji.Number {
		return false
	}
	qs := e.question
	q := qs.Questions[qs.CurrentIndex]
	if em.Index < 0 || em.Index >= len(q.Options) {
		e.ec.Logger.Debug("question reaction out of range",
			zap.Int("index", em.Index),
			zap.Int("options", len(q.Options)))
		return true
	}

	answer := q.Options[em.Index]
	qs.Answers = append(qs.Answers, answer)

	f := e.ec.Platform.Formatter()
	answered := questionTitle(f, qs) + "\n" + q.Question + "\n\n✅ " + f.FormatBold(answer)
	ctx, cancel := e.ec.CallCtx()
	_, _ = e.ec.Platform.UpdatePost(ctx, qs.PostID, answered)
	cancel()
	e.ec.Tracker.Unregister(qs.PostID)

	qs.CurrentIndex++
	if qs.CurrentIndex < len(qs.Questions) {
		if !e.postQuestionLocked(qs) {
			// The next question could not be posted; resolve with what
			// has been answered so far rather than wedging the session.
			e.finalizeQuestionLocked()
		}
		return true
	}
	e.finalizeQuestionLocked()
	return true
}

func (e *InteractiveExecutor) finalizeQuestionLocked() {
	qs := e.question
	e.question = nil
	e.ec.PublishCompletion(events.QuestionComplete, map[string]interface{}{
		"tool_use_id": qs.ToolUseID,
		"answers":     qs.Answers,
	})
}

func (e *InteractiveExecutor) handleApprovalReactionLocked(p *PendingApproval, em emoji.Emoji) bool {
	var approved bool
	switch em.Kind {
	case emoji.Approve:
		approved = true
	case emoji.Deny:
		approved = false
	default:
		return false
	}

	verdict := "✅ Approved"
	if !approved {
		verdict = "❌ Denied"
	}
	ctx, cancel := e.ec.CallCtx()
	current := verdictSuffix(p, verdict, e.ec.Platform.Formatter())
	_, _ = e.ec.Platform.UpdatePost(ctx, p.PostID, current)
	cancel()
	e.ec.Tracker.Unregister(p.PostID)

	if p.Kind == "plan" {
		e.planApproval = nil
	} else {
		e.actionApproval = nil
	}
	e.ec.PublishCompletion(events.ApprovalComplete, map[string]interface{}{
		"kind":        p.Kind,
		"tool_use_id": p.ToolUseID,
		"request_id":  p.RequestID,
		"approved":    approved,
	})
	return true
}

// postQuestionLocked creates the post for the current question and
// registers it. Returns false when the platform call fails.
func (e *InteractiveExecutor) postQuestionLocked(qs *QuestionSet) bool {
	q := qs.Questions[qs.CurrentIndex]
	f := e.ec.Platform.Formatter()

	count := len(q.Options)
	if count > emoji.MaxNumber() {
		count = emoji.MaxNumber()
	}
	reactions := make([]string, 0, count)
	for i := 0; i < count; i++ {
		reactions = append(reactions, emoji.NumberName(i))
	}

	var b strings.Builder
	b.WriteString(questionTitle(f, qs) + "\n")
	b.WriteString(q.Question + "\n\n")
	for i := 0; i < count; i++ {
		b.WriteString(f.FormatNumberedListItem(i+1, q.Options[i]) + "\n")
	}
	b.WriteString("\nReact with a number to answer.")

	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, b.String(), reactions)
	cancel()
	if err != nil {
		e.ec.Logger.Warn("question post create failed",
			zap.String("tool_use_id", qs.ToolUseID),
			zap.Error(err))
		return false
	}
	qs.PostID = post.ID
	e.ec.Tracker.Register(post.ID, PostMeta{Role: RoleQuestion, ToolUseID: qs.ToolUseID})
	return true
}

func (e *InteractiveExecutor) createApprovalPostLocked(content string, role PostRole, toolUseID string) string {
	ctx, cancel := e.ec.CallCtx()
	post, err := e.ec.Platform.CreateInteractivePost(ctx, e.ec.ThreadID, content,
		[]string{emoji.NameApprove, emoji.NameDeny})
	cancel()
	if err != nil {
		e.ec.Logger.Warn("approval post create failed", zap.Error(err))
		return ""
	}
	e.ec.Tracker.Register(post.ID, PostMeta{Role: role, ToolUseID: toolUseID})
	return post.ID
}

func questionTitle(f platform.Formatter, qs *QuestionSet) string {
	q := qs.Questions[qs.CurrentIndex]
	title := fmt.Sprintf("Question %d/%d", qs.CurrentIndex+1, len(qs.Questions))
	if q.Header != "" {
		title += ": " + q.Header
	}
	return "❓ " + f.FormatBold(title)
}

func verdictSuffix(p *PendingApproval, verdict string, f platform.Formatter) string {
	switch p.Kind {
	case "plan":
		return "📋 " + f.FormatBold("Plan reviewed") + "\n\n" + verdict
	default:
		return "🔐 " + f.FormatBold("Permission") + ": " + f.FormatCode(p.ToolName) + "\n\n" + verdict
	}
}

// formatToolInput renders a compact preview of a tool's input.
func formatToolInput(f platform.Formatter, toolName string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	if toolName == assistant.ToolBash {
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			return f.FormatCodeBlock(stringutil.TruncateBytes(cmd, 1000), "bash")
		}
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs [][2]string
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, stringutil.TruncateBytes(fmt.Sprintf("%v", input[k]), 200)})
		if len(pairs) == 5 {
			break
		}
	}
	return f.FormatKeyValueList(pairs)
}

// truncateForPost trims text so the surrounding post stays under the
// platform's hard threshold.
func truncateForPost(s string, limits platform.MessageLimits) string {
	max := limits.HardThreshold - 500
	if max < 1000 {
		max = 1000
	}
	return stringutil.TruncateBytes(s, max)
}
