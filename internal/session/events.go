package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

// subscribeSession wires the completion subjects for one session. The
// executors publish verdicts with the platform and thread encoded in
// the subject, so each session subscribes to its own exact subjects and
// the handlers close over the session. Subscriptions are stored on the
// session and die with it.
func (m *Manager) subscribeSession(s *Session, client platform.Client) {
	kinds := map[string]func(*Session, platform.Client, map[string]interface{}){
		events.QuestionComplete:        m.onQuestionComplete,
		events.ApprovalComplete:        m.onApprovalComplete,
		events.ContextPromptComplete:   m.onContextPromptComplete,
		events.WorktreePromptComplete:  m.onWorktreePromptComplete,
		events.UpdatePromptComplete:    m.onUpdatePromptComplete,
		events.MessageApprovalComplete: m.onMessageApprovalComplete,
		events.BugReportComplete:       m.onBugReportComplete,
	}
	for kind, fn := range kinds {
		kind, fn := kind, fn
		subject := events.BuildCompletionSubject(kind, s.PlatformID, s.ThreadID)
		// The publisher's context may already be gone by the time the
		// handler runs; platform calls below use fresh contexts.
		sub, err := m.bus.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
			m.safeHandle(kind, func() { fn(s, client, ev.Data) })
			return nil
		})
		if err != nil {
			m.log.Error("completion subscribe failed",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		s.addSubscription(sub)
	}
}

// onQuestionComplete forwards the picked answers to the child as a user
// message.
func (m *Manager) onQuestionComplete(s *Session, _ platform.Client, data map[string]interface{}) {
	answers := stringSlice(data["answers"])
	if len(answers) == 0 {
		return
	}

	text := "Answer: " + answers[0]
	if len(answers) > 1 {
		var b strings.Builder
		b.WriteString("Answers:")
		for i, a := range answers {
			fmt.Fprintf(&b, "\n%d. %s", i+1, a)
		}
		text = b.String()
	}

	m.sendToAssistant(s, text)
	m.checkpoint(s)
}

// onApprovalComplete answers a permission request. Requests carrying a
// control id go back over the control channel; plan verdicts without
// one continue as a plain message.
func (m *Manager) onApprovalComplete(s *Session, _ platform.Client, data map[string]interface{}) {
	kind, _ := data["kind"].(string)
	approved, _ := data["approved"].(bool)
	requestID, _ := data["request_id"].(string)

	if kind == "plan" && approved {
		s.setPlanApproved(true)
	}

	if requestID != "" {
		r := s.Runner()
		if r == nil {
			return
		}
		denyMessage := ""
		if !approved {
			denyMessage = "The user denied this request."
		}
		if err := r.RespondToAction(requestID, approved, denyMessage); err != nil {
			m.log.Warn("approval response failed",
				zap.String("session", s.Key()), zap.Error(err))
			return
		}
		s.setBusy(true)
		s.setLifecycle(LifecycleActive)
	} else {
		text := "Proceed with the plan."
		if !approved {
			text = "Do not proceed with the plan; wait for further instructions."
		}
		m.sendToAssistant(s, text)
	}
	m.checkpoint(s)
}

// onContextPromptComplete releases the first prompt, optionally
// prefixed with the thread history the user asked for.
func (m *Manager) onContextPromptComplete(s *Session, client platform.Client, data map[string]interface{}) {
	s.stopContextTimer()

	selected := intValue(data["selected"])
	queued, _ := data["queued_prompt"].(string)
	files := stringSlice(data["queued_files"])

	prompt := queued
	if selected > 0 {
		if history := m.fetchThreadContext(s, client, selected); history != "" {
			prompt = history + "\n\n" + queued
		}
	}
	if len(files) > 0 {
		prompt += "\n\nAttached files:\n" + strings.Join(files, "\n")
	}
	if strings.TrimSpace(prompt) == "" {
		return
	}

	m.sendToAssistant(s, prompt)
	m.checkpoint(s)
}

// fetchThreadContext renders the last n thread messages as a context
// block. Platforms without thread history quietly skip it.
func (m *Manager) fetchThreadContext(s *Session, client platform.Client, n int) string {
	reader, ok := client.(platform.ThreadReader)
	if !ok {
		return ""
	}

	ctx, cancel := callCtx()
	posts, err := reader.ThreadMessages(ctx, s.ThreadID, n)
	cancel()
	if err != nil {
		m.log.Warn("thread history fetch failed",
			zap.String("session", s.Key()), zap.Error(err))
		return ""
	}
	if len(posts) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Earlier messages in this thread, oldest first:")
	for _, p := range posts {
		name := p.Username
		if name == "" {
			name = p.UserID
		}
		fmt.Fprintf(&b, "\n[%s] %s", name, p.Message)
	}
	return b.String()
}

// onWorktreePromptComplete finalizes the working directory and spawns
// the child that startSession parked behind the verdict.
func (m *Manager) onWorktreePromptComplete(s *Session, client platform.Client, data map[string]interface{}) {
	action, _ := data["action"].(string)
	branch, _ := data["branch"].(string)
	path, _ := data["path"].(string)

	if action == "join" && path != "" {
		info := &workspace.Info{
			RepoRoot: workspace.RepoRootFromWorktree(path),
			Path:     path,
			Branch:   branch,
		}
		s.setWorktree(info, false)
		if m.worktrees != nil {
			m.worktrees.Retain(path, s.Key())
		}
	}

	if s.Runner() == nil {
		if err := m.spawnAssistant(s, client); err != nil {
			m.failSession(s, "🚫 Failed to start the assistant: "+err.Error())
			return
		}
		m.publishSession(events.SessionStarted, s,
			map[string]interface{}{"owner": s.Owner()})
	}

	if prompt, _ := s.takeQueuedPrompt(); prompt != "" {
		m.sendToAssistant(s, prompt)
	}
	m.checkpoint(s)
	m.refreshStickies(true)
}

func (m *Manager) onUpdatePromptComplete(s *Session, _ platform.Client, data map[string]interface{}) {
	action, _ := data["action"].(string)
	version, _ := data["version"].(string)
	m.handleUpdateDecision(s, action, version)
}

// onMessageApprovalComplete acts on the owner's verdict for a message
// from an uninvited user.
func (m *Manager) onMessageApprovalComplete(s *Session, client platform.Client, data map[string]interface{}) {
	decision, _ := data["decision"].(string)
	fromUser, _ := data["from_user"].(string)
	original, _ := data["original_message"].(string)

	switch decision {
	case "invite":
		if s.Invite(fromUser) {
			s.Messages().System().Post(message.SystemSuccess,
				mention(client, fromUser)+" can now use this session.")
		}
	case "allow":
	default:
		return
	}

	if original != "" {
		m.sendToAssistant(s, fmt.Sprintf("[from %s] %s", fromUser, original))
	}
	m.checkpoint(s)
}

// onBugReportComplete writes an approved report to the local report
// directory.
func (m *Manager) onBugReportComplete(s *Session, _ platform.Client, data map[string]interface{}) {
	action, _ := data["action"].(string)
	if action != "approve" {
		return
	}

	title, _ := data["title"].(string)
	body, _ := data["body"].(string)
	description, _ := data["user_description"].(string)
	urls := stringSlice(data["image_urls"])
	errorContext, _ := data["error_context"].(string)

	path, err := writeBugReport(title, body, description, urls, errorContext)
	if err != nil {
		m.log.Error("bug report write failed",
			zap.String("session", s.Key()), zap.Error(err))
		s.Messages().System().Post(message.SystemError,
			"Failed to save the bug report: "+err.Error())
		return
	}
	s.Messages().System().Post(message.SystemSuccess,
		"🐛 Bug report saved to "+path+".")
}

// writeBugReport renders a report to ~/.claude-threads/bug-reports/.
func writeBugReport(title, body, description string, imageURLs []string, errorContext string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".claude-threads", "bug-reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Filed: %s\n\n", time.Now().Format(time.RFC3339))
	if description != "" {
		fmt.Fprintf(&b, "## Description\n\n%s\n\n", description)
	}
	if body != "" {
		fmt.Fprintf(&b, "## Details\n\n%s\n\n", body)
	}
	if len(imageURLs) > 0 {
		b.WriteString("## Attachments\n\n")
		for _, u := range imageURLs {
			fmt.Fprintf(&b, "- %s\n", u)
		}
		b.WriteString("\n")
	}
	if errorContext != "" {
		fmt.Fprintf(&b, "## Error context\n\n```\n%s\n```\n", errorContext)
	}

	name := time.Now().Format("20060102-150405") + "-" + slugify(title) + ".md"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "report"
	}
	return out
}

// Bus payloads arrive Go-native from the in-process bus but JSON-shaped
// from NATS; these helpers accept both.
func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringSlice(v interface{}) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
