package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
)

// mockPlatform is a scripted platform.Client for executor tests. Every
// mutating call is recorded; failure toggles make individual operations
// error out.
type mockPlatform struct {
	mu sync.Mutex

	nextID int
	posts  map[string]string
	pinned map[string]bool

	createCalls      []string
	interactiveCalls []interactiveCall
	updateCalls      []updateCall
	deleteCalls      []string
	reactionCalls    []string

	failCreate bool
	failUpdate bool
	failDelete bool

	// onDelete runs at the start of DeletePost, outside the mutex. Tests
	// use it to park an executor mid-operation.
	onDelete func()

	limits platform.MessageLimits
}

type interactiveCall struct {
	postID    string
	content   string
	reactions []string
}

type updateCall struct {
	postID  string
	content string
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		posts:  make(map[string]string),
		pinned: make(map[string]bool),
		limits: platform.MessageLimits{MaxLength: 16000, HardThreshold: 12000},
	}
}

func (m *mockPlatform) ID() string                          { return "mock" }
func (m *mockPlatform) Connect(_ context.Context) error     { return nil }
func (m *mockPlatform) SetHandlers(_ platform.Handlers)     {}
func (m *mockPlatform) Disconnect() error                   { return nil }
func (m *mockPlatform) Formatter() platform.Formatter       { return testFormatter{} }
func (m *mockPlatform) IsBotMentioned(text string) bool     { return strings.Contains(text, "@bot") }
func (m *mockPlatform) ExtractPrompt(text string) string    { return strings.TrimSpace(strings.ReplaceAll(text, "@bot", "")) }
func (m *mockPlatform) IsUserAllowed(_ string) bool         { return true }
func (m *mockPlatform) BotName() string                     { return "bot" }
func (m *mockPlatform) BotUser() *platform.User             { return &platform.User{ID: "bot-id", Username: "bot", IsBot: true} }

func (m *mockPlatform) MessageLimits() platform.MessageLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

func (m *mockPlatform) CreatePost(_ context.Context, threadID, content string) (*platform.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return nil, errors.New("create failed")
	}
	id := m.newPostID()
	m.posts[id] = content
	m.createCalls = append(m.createCalls, content)
	return &platform.Post{ID: id, Message: content, ThreadID: threadID}, nil
}

func (m *mockPlatform) CreateInteractivePost(_ context.Context, threadID, content string, reactions []string) (*platform.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return nil, errors.New("create failed")
	}
	id := m.newPostID()
	m.posts[id] = content
	m.interactiveCalls = append(m.interactiveCalls, interactiveCall{
		postID:    id,
		content:   content,
		reactions: append([]string(nil), reactions...),
	})
	return &platform.Post{ID: id, Message: content, ThreadID: threadID}, nil
}

func (m *mockPlatform) UpdatePost(_ context.Context, postID, content string) (*platform.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, updateCall{postID: postID, content: content})
	if m.failUpdate {
		return nil, errors.New("update failed")
	}
	if _, ok := m.posts[postID]; !ok {
		return nil, errors.New("post not found")
	}
	m.posts[postID] = content
	return &platform.Post{ID: postID, Message: content}, nil
}

func (m *mockPlatform) DeletePost(_ context.Context, postID string) error {
	if fn := m.deleteHook(); fn != nil {
		fn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, postID)
	if m.failDelete {
		return errors.New("delete failed")
	}
	delete(m.posts, postID)
	return nil
}

func (m *mockPlatform) deleteHook() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onDelete
}

func (m *mockPlatform) setOnDelete(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelete = fn
}

func (m *mockPlatform) PinPost(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[postID] = true
	return nil
}

func (m *mockPlatform) UnpinPost(_ context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[postID] = false
	return nil
}

func (m *mockPlatform) AddReaction(_ context.Context, postID, emojiName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactionCalls = append(m.reactionCalls, postID+":"+emojiName)
	return nil
}

func (m *mockPlatform) RemoveReaction(_ context.Context, _, _ string) error { return nil }

// newPostID must be called with the mutex held.
func (m *mockPlatform) newPostID() string {
	m.nextID++
	return fmt.Sprintf("post-%d", m.nextID)
}

func (m *mockPlatform) postContent(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id]
}

func (m *mockPlatform) hasPost(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.posts[id]
	return ok
}

func (m *mockPlatform) isPinned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned[id]
}

func (m *mockPlatform) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.createCalls)
}

func (m *mockPlatform) interactiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.interactiveCalls)
}

func (m *mockPlatform) lastInteractive() interactiveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interactiveCalls[len(m.interactiveCalls)-1]
}

func (m *mockPlatform) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updateCalls)
}

func (m *mockPlatform) deleteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleteCalls)
}

func (m *mockPlatform) setFailUpdate(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpdate = v
}

func (m *mockPlatform) setFailDelete(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDelete = v
}

func (m *mockPlatform) setFailCreate(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = v
}

func (m *mockPlatform) setLimits(limits platform.MessageLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// testFormatter renders plain markdown.
type testFormatter struct{}

func (testFormatter) FormatBold(text string) string          { return "**" + text + "**" }
func (testFormatter) FormatItalic(text string) string        { return "_" + text + "_" }
func (testFormatter) FormatCode(text string) string          { return "`" + text + "`" }
func (testFormatter) FormatStrikethrough(text string) string { return "~~" + text + "~~" }
func (testFormatter) FormatUserMention(username string) string {
	return "@" + username
}
func (testFormatter) FormatHorizontalRule() string      { return "---" }
func (testFormatter) FormatListItem(text string) string { return "- " + text }
func (testFormatter) FormatNumberedListItem(index int, text string) string {
	return fmt.Sprintf("%d. %s", index, text)
}
func (testFormatter) FormatHeading(level int, text string) string {
	return strings.Repeat("#", level) + " " + text
}
func (testFormatter) EscapeText(text string) string { return text }
func (testFormatter) FormatCodeBlock(text, language string) string {
	return "```" + language + "\n" + text + "\n```"
}
func (testFormatter) FormatLink(text, url string) string {
	return "[" + text + "](" + url + ")"
}
func (testFormatter) FormatTable(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}
func (testFormatter) FormatKeyValueList(pairs [][2]string) string {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "**%s**: %s\n", p[0], p[1])
	}
	return b.String()
}

// setupExecContext wires an ExecContext against the mock platform and an
// in-memory event bus.
func setupExecContext(t *testing.T) (*ExecContext, *mockPlatform) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	mock := newMockPlatform()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	ec := &ExecContext{
		PlatformID: "mock",
		ThreadID:   "thread-1",
		Platform:   mock,
		Tracker:    NewPostTracker(),
		Breaker:    NewBreaker(),
		Bus:        eventBus,
		Logger:     log,
	}
	return ec, mock
}
