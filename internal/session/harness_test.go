package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant"
	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/store"
)

// fakePlatform is a scripted platform.Client with the optional
// capabilities the manager probes for (typing, thread history, channel
// posts). Every mutating call is recorded.
type fakePlatform struct {
	mu sync.Mutex

	nextID  int
	posts   map[string]*fakePost
	order   []string
	pinned  map[string]bool
	deleted []string
	updates map[string][]string

	handlers   platform.Handlers
	disallowed map[string]bool

	threadHistory map[string][]*platform.Post

	typingCalls int

	failCreate bool
	failUpdate bool
}

type fakePost struct {
	id        string
	threadID  string
	channelID string
	content   string
	reactions []string
	channel   bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		posts:         make(map[string]*fakePost),
		pinned:        make(map[string]bool),
		updates:       make(map[string][]string),
		disallowed:    make(map[string]bool),
		threadHistory: make(map[string][]*platform.Post),
	}
}

func (p *fakePlatform) ID() string                      { return "mock" }
func (p *fakePlatform) Connect(_ context.Context) error { return nil }
func (p *fakePlatform) Disconnect() error               { return nil }
func (p *fakePlatform) Formatter() platform.Formatter   { return plainFormatter{} }
func (p *fakePlatform) BotName() string                 { return "bot" }
func (p *fakePlatform) BotUser() *platform.User {
	return &platform.User{ID: "bot-id", Username: "bot", IsBot: true}
}

func (p *fakePlatform) MessageLimits() platform.MessageLimits {
	return platform.MessageLimits{MaxLength: 16000, HardThreshold: 12000}
}

func (p *fakePlatform) IsBotMentioned(text string) bool { return strings.Contains(text, "@bot") }
func (p *fakePlatform) ExtractPrompt(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "@bot", ""))
}

func (p *fakePlatform) SetHandlers(h platform.Handlers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = h
}

func (p *fakePlatform) IsUserAllowed(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disallowed[username]
}

func (p *fakePlatform) setUserAllowed(username string, allowed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disallowed[username] = !allowed
}

func (p *fakePlatform) CreatePost(_ context.Context, threadID, content string) (*platform.Post, error) {
	return p.addPost(&fakePost{threadID: threadID, content: content})
}

func (p *fakePlatform) CreateInteractivePost(_ context.Context, threadID, content string, reactions []string) (*platform.Post, error) {
	return p.addPost(&fakePost{
		threadID:  threadID,
		content:   content,
		reactions: append([]string(nil), reactions...),
	})
}

func (p *fakePlatform) CreateChannelPost(_ context.Context, channelID, content string) (*platform.Post, error) {
	return p.addPost(&fakePost{channelID: channelID, content: content, channel: true})
}

func (p *fakePlatform) addPost(post *fakePost) (*platform.Post, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate {
		return nil, fmt.Errorf("create failed")
	}
	p.nextID++
	post.id = fmt.Sprintf("post-%d", p.nextID)
	p.posts[post.id] = post
	p.order = append(p.order, post.id)
	return &platform.Post{
		ID:        post.id,
		Message:   post.content,
		ChannelID: post.channelID,
		ThreadID:  post.threadID,
	}, nil
}

func (p *fakePlatform) UpdatePost(_ context.Context, postID, content string) (*platform.Post, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates[postID] = append(p.updates[postID], content)
	if p.failUpdate {
		return nil, fmt.Errorf("update failed")
	}
	post, ok := p.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post not found")
	}
	post.content = content
	return &platform.Post{ID: postID, Message: content}, nil
}

func (p *fakePlatform) DeletePost(_ context.Context, postID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, postID)
	delete(p.posts, postID)
	return nil
}

func (p *fakePlatform) PinPost(_ context.Context, postID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned[postID] = true
	return nil
}

func (p *fakePlatform) UnpinPost(_ context.Context, postID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned[postID] = false
	return nil
}

func (p *fakePlatform) AddReaction(_ context.Context, _, _ string) error    { return nil }
func (p *fakePlatform) RemoveReaction(_ context.Context, _, _ string) error { return nil }

func (p *fakePlatform) SendTyping(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typingCalls++
	return nil
}

func (p *fakePlatform) ThreadMessageCount(_ context.Context, threadID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threadHistory[threadID]), nil
}

func (p *fakePlatform) ThreadMessages(_ context.Context, threadID string, limit int) ([]*platform.Post, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.threadHistory[threadID]
	if limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*platform.Post(nil), msgs...), nil
}

func (p *fakePlatform) setThreadHistory(threadID string, msgs ...*platform.Post) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threadHistory[threadID] = msgs
}

// postContaining returns the most recent post whose content holds
// substr, or nil.
func (p *fakePlatform) postContaining(substr string) *fakePost {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.order) - 1; i >= 0; i-- {
		if post, ok := p.posts[p.order[i]]; ok && strings.Contains(post.content, substr) {
			cp := *post
			return &cp
		}
	}
	return nil
}

func (p *fakePlatform) countContaining(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, post := range p.posts {
		if strings.Contains(post.content, substr) {
			n++
		}
	}
	return n
}

func (p *fakePlatform) postContent(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if post, ok := p.posts[id]; ok {
		return post.content
	}
	return ""
}

func (p *fakePlatform) hasPost(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.posts[id]
	return ok
}

func (p *fakePlatform) isPinned(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned[id]
}

func (p *fakePlatform) updatesFor(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.updates[id]...)
}

func (p *fakePlatform) wasDeleted(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func (p *fakePlatform) channelPosts(channelID string) []*fakePost {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*fakePost
	for _, id := range p.order {
		if post, ok := p.posts[id]; ok && post.channel && post.channelID == channelID {
			cp := *post
			out = append(out, &cp)
		}
	}
	return out
}

// plainFormatter renders plain markdown.
type plainFormatter struct{}

func (plainFormatter) FormatBold(text string) string            { return "**" + text + "**" }
func (plainFormatter) FormatItalic(text string) string          { return "_" + text + "_" }
func (plainFormatter) FormatCode(text string) string            { return "`" + text + "`" }
func (plainFormatter) FormatStrikethrough(text string) string   { return "~~" + text + "~~" }
func (plainFormatter) FormatUserMention(username string) string { return "@" + username }
func (plainFormatter) FormatHorizontalRule() string             { return "---" }
func (plainFormatter) FormatListItem(text string) string        { return "- " + text }
func (plainFormatter) FormatNumberedListItem(index int, text string) string {
	return fmt.Sprintf("%d. %s", index, text)
}
func (plainFormatter) FormatHeading(level int, text string) string {
	return strings.Repeat("#", level) + " " + text
}
func (plainFormatter) EscapeText(text string) string { return text }
func (plainFormatter) FormatCodeBlock(text, language string) string {
	return "```" + language + "\n" + text + "\n```"
}
func (plainFormatter) FormatLink(text, url string) string {
	return "[" + text + "](" + url + ")"
}
func (plainFormatter) FormatTable(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	for _, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}
func (plainFormatter) FormatKeyValueList(pairs [][2]string) string {
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "**%s**: %s\n", p[0], p[1])
	}
	return b.String()
}

// fakeRunner satisfies the runner interface. Its event channel closes
// when the runner is stopped or killed, ending the session's event pump
// the way a real child exit would.
type fakeRunner struct {
	mu sync.Mutex

	opts      assistant.Options
	events    chan assistant.Event
	closeOnce sync.Once

	sessionID string
	slash     []string
	stderr    []string
	exitCode  int

	sent       []string
	responses  []actionResponse
	permModes  []string
	interrupts int
	stops      int
	kills      int

	failStart error
	failSend  error
	failPerm  error
}

type actionResponse struct {
	requestID string
	allow     bool
	message   string
}

func newFakeRunner(opts assistant.Options) *fakeRunner {
	return &fakeRunner{
		opts:   opts,
		events: make(chan assistant.Event, 16),
	}
}

func (r *fakeRunner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failStart
}

func (r *fakeRunner) Events() <-chan assistant.Event { return r.events }

func (r *fakeRunner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *fakeRunner) SlashCommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.slash...)
}

func (r *fakeRunner) SendMessage(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSend != nil {
		return r.failSend
	}
	r.sent = append(r.sent, text)
	return nil
}

func (r *fakeRunner) RespondToAction(requestID string, allow bool, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, actionResponse{requestID: requestID, allow: allow, message: message})
	return nil
}

func (r *fakeRunner) Interrupt() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupts++
	return nil
}

func (r *fakeRunner) SetPermissionMode(mode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPerm != nil {
		return r.failPerm
	}
	r.permModes = append(r.permModes, mode)
	return nil
}

func (r *fakeRunner) RecentStderr() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stderr...)
}

func (r *fakeRunner) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

func (r *fakeRunner) Stop(_ context.Context) error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	r.closeEvents()
	return nil
}

func (r *fakeRunner) Kill() error {
	r.mu.Lock()
	r.kills++
	r.mu.Unlock()
	r.closeEvents()
	return nil
}

// emit feeds an event into the session's pump, as the child would.
func (r *fakeRunner) emit(ev assistant.Event) { r.events <- ev }

// exit closes the event stream without Stop or Kill, simulating a
// crashed child.
func (r *fakeRunner) exit(code int) {
	r.mu.Lock()
	r.exitCode = code
	r.mu.Unlock()
	r.closeEvents()
}

func (r *fakeRunner) closeEvents() {
	r.closeOnce.Do(func() { close(r.events) })
}

func (r *fakeRunner) setSessionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = id
}

func (r *fakeRunner) setSlashCommands(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slash = names
}

func (r *fakeRunner) setPermError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPerm = err
}

func (r *fakeRunner) sentMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *fakeRunner) lastResponse() (actionResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		return actionResponse{}, false
	}
	return r.responses[len(r.responses)-1], true
}

func (r *fakeRunner) interruptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupts
}

func (r *fakeRunner) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *fakeRunner) killCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kills
}

func (r *fakeRunner) modes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.permModes...)
}

// runnerFactory builds fakeRunners for the manager and keeps them for
// assertions.
type runnerFactory struct {
	mu       sync.Mutex
	runners  []*fakeRunner
	nextFail error
}

func (f *runnerFactory) new(opts assistant.Options) runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := newFakeRunner(opts)
	r.failStart = f.nextFail
	f.nextFail = nil
	f.runners = append(f.runners, r)
	return r
}

func (f *runnerFactory) failNextStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextFail = err
}

func (f *runnerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runners)
}

func (f *runnerFactory) last() *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runners) == 0 {
		return nil
	}
	return f.runners[len(f.runners)-1]
}

// fakeStore is a map-backed store.Store with soft-delete semantics.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*store.Record
	deleted map[string]*store.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*store.Record),
		deleted: make(map[string]*store.Record),
	}
}

func (f *fakeStore) Save(_ context.Context, rec *store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.SessionKey(rec.PlatformID, rec.ThreadID)
	f.records[key] = rec
	delete(f.deleted, key)
	return nil
}

func (f *fakeStore) SoftDelete(_ context.Context, platformID, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.SessionKey(platformID, threadID)
	if rec, ok := f.records[key]; ok {
		f.deleted[key] = rec
		delete(f.records, key)
	}
	return nil
}

func (f *fakeStore) Load(_ context.Context) (map[string]*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*store.Record, len(f.records))
	for k, v := range f.records {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) FindByPostID(_ context.Context, platformID, postID string) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.PlatformID != platformID {
			continue
		}
		for _, id := range rec.PostIDs() {
			if id == postID {
				return rec, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) FindByThread(_ context.Context, platformID, threadID string) (*store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[store.SessionKey(platformID, threadID)]; ok {
		return rec, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CleanStale(_ context.Context, maxAge time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var n int64
	for key, rec := range f.records {
		if rec.LastActivityAt.Before(cutoff) {
			f.deleted[key] = rec
			delete(f.records, key)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CleanHistory(_ context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var n int64
	for key, rec := range f.deleted {
		if rec.LastActivityAt.Before(cutoff) {
			delete(f.deleted, key)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) liveRecord(platformID, threadID string) *store.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[store.SessionKey(platformID, threadID)]
}

func (f *fakeStore) isDeleted(platformID, threadID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.deleted[store.SessionKey(platformID, threadID)]
	return ok
}

func (f *fakeStore) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// testEnv wires a Manager to the fakes and drives it the way a platform
// adapter would.
type testEnv struct {
	t  *testing.T
	m  *Manager
	fp *fakePlatform
	st *fakeStore

	runners *runnerFactory
	applied chan string
	killed  chan struct{}

	userPostSeq int
}

func testConfig() *config.Config {
	return &config.Config{
		Sessions: config.SessionsConfig{
			MaxSessions:          5,
			IdleTimeoutMinutes:   30,
			WarningMinutes:       5,
			MonitorInterval:      3600,
			CleanupInterval:      60,
			HistoryRetentionDays: 30,
			FlushDebounceMs:      5,
		},
		Claude: config.ClaudeConfig{Binary: "claude"},
		Updates: config.UpdatesConfig{
			Enabled:            true,
			CheckIntervalHours: 24,
			DeferMinutes:       30,
			PromptTimeoutMin:   5,
		},
	}
}

func newTestEnv(t *testing.T, tweaks ...func(*Options)) *testEnv {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	fp := newFakePlatform()
	st := newFakeStore()
	applied := make(chan string, 4)
	killed := make(chan struct{}, 1)

	opts := Options{
		Config: testConfig(),
		Logger: log,
		Bus:    eventBus,
		Store:  st,
		OnUpdateAccepted: func(version string) {
			select {
			case applied <- version:
			default:
			}
		},
		OnKillRequested: func() {
			select {
			case killed <- struct{}{}:
			default:
			}
		},
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}

	m, err := NewManager(opts)
	require.NoError(t, err)

	factory := &runnerFactory{}
	m.newRunner = factory.new
	m.RegisterPlatform(fp)
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	return &testEnv{
		t:       t,
		m:       m,
		fp:      fp,
		st:      st,
		runners: factory,
		applied: applied,
		killed:  killed,
	}
}

func (e *testEnv) user(name string) *platform.User {
	return &platform.User{ID: "uid-" + name, Username: name}
}

func (e *testEnv) nextUserPostID() string {
	e.userPostSeq++
	return fmt.Sprintf("user-post-%d", e.userPostSeq)
}

// startSession mentions the bot in a fresh root post and returns the
// session it started. The root post's id is the thread id.
func (e *testEnv) startSession(owner, prompt string) *Session {
	e.t.Helper()
	post := &platform.Post{
		ID:        e.nextUserPostID(),
		Message:   "@bot " + prompt,
		UserID:    "uid-" + owner,
		Username:  owner,
		ChannelID: "ch-1",
	}
	e.m.handleMessage(e.fp, post, e.user(owner))
	s, ok := e.m.registry.Get(e.fp.ID(), post.ID)
	require.True(e.t, ok, "session did not start")
	return s
}

// threadPost delivers a message inside an existing thread.
func (e *testEnv) threadPost(threadID, text, username string) {
	e.m.handleMessage(e.fp, &platform.Post{
		ID:        e.nextUserPostID(),
		Message:   text,
		UserID:    "uid-" + username,
		Username:  username,
		ChannelID: "ch-1",
		ThreadID:  threadID,
	}, e.user(username))
}

// react adds a reaction on a post.
func (e *testEnv) react(postID, emojiName, username string) {
	e.m.handleReaction(e.fp, &platform.Reaction{
		PostID:    postID,
		EmojiName: emojiName,
		Username:  username,
	}, e.user(username), true)
}

func (e *testEnv) eventually(cond func() bool, msg string) {
	e.t.Helper()
	require.Eventually(e.t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

// setIdle backdates a session's last activity.
func setIdle(s *Session, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now().UTC().Add(-d)
}
