package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant"
	"github.com/anneschuth/claude-threads-sub002/internal/command"
	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/store"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

// platformCallTimeout bounds platform API calls made by the session layer.
const platformCallTimeout = 10 * time.Second

// UpdateSource reports release information for the update commands and
// the auto-update prompts. Implemented by the updates checker.
type UpdateSource interface {
	CurrentVersion() string
	Latest() (version, notes string, ok bool)
}

// Options wires a session manager to its collaborators.
type Options struct {
	Config    *config.Config
	Logger    *logger.Logger
	Bus       bus.EventBus
	Store     store.Store
	Worktrees *workspace.Manager

	// Updates is optional; without it update commands report that
	// updates are disabled.
	Updates UpdateSource

	// OnUpdateAccepted fires once when an offered update is accepted or
	// its prompt times out. The callee applies the update and shuts the
	// process down.
	OnUpdateAccepted func(version string)

	// OnKillRequested fires after !kill has torn down every session.
	OnKillRequested func()
}

// Manager is the top-level coordinator. It owns the platform adapters,
// the session registry and all lifecycle transitions.
type Manager struct {
	cfg   *config.Config
	log   *logger.Logger
	bus   bus.EventBus
	store store.Store

	registry  *Registry
	worktrees *workspace.Manager
	updates   UpdateSource

	onUpdate func(version string)
	onKill   func()

	platforms map[string]platform.Client

	// newRunner builds the assistant child handle; tests substitute it.
	newRunner func(opts assistant.Options) runner

	subs []bus.Subscription

	mu           sync.Mutex
	shuttingDown bool
	sessionSeq   int
	pendingDirs  map[string]string

	upd updateCoordinator

	stickyMu sync.Mutex
	stickies map[string]*stickyPost

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a session manager. Platforms are registered
// afterwards with RegisterPlatform, then Start connects everything.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("session: config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("session: event bus is required")
	}
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	m := &Manager{
		cfg:         opts.Config,
		log:         log.WithFields(zap.String("component", "session-manager")),
		bus:         opts.Bus,
		store:       opts.Store,
		registry:    NewRegistry(),
		worktrees:   opts.Worktrees,
		updates:     opts.Updates,
		onUpdate:    opts.OnUpdateAccepted,
		onKill:      opts.OnKillRequested,
		platforms:   make(map[string]platform.Client),
		pendingDirs: make(map[string]string),
		stickies:    make(map[string]*stickyPost),
		stopCh:      make(chan struct{}),
	}
	m.newRunner = m.productionRunner
	return m, nil
}

// Registry exposes the session index, used by the admin API.
func (m *Manager) Registry() *Registry { return m.registry }

// RegisterPlatform wires a platform adapter's inbound events into the
// manager. Must be called before Start.
func (m *Manager) RegisterPlatform(client platform.Client) {
	client.SetHandlers(platform.Handlers{
		OnMessage: func(post *platform.Post, user *platform.User) {
			m.safeHandle("message", func() { m.handleMessage(client, post, user) })
		},
		OnReaction: func(r *platform.Reaction, u *platform.User, added bool) {
			m.safeHandle("reaction", func() { m.handleReaction(client, r, u, added) })
		},
		OnChannelPost: func(post *platform.Post) {
			m.safeHandle("channel_post", func() { m.handleChannelPost(client, post) })
		},
	})
	m.platforms[client.ID()] = client
}

// Start connects every registered platform and launches the background
// monitor and cleanup loops.
func (m *Manager) Start(ctx context.Context) error {
	for id, client := range m.platforms {
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect platform %s: %w", id, err)
		}
		m.log.Info("platform connected", zap.String("platform", id))
		m.publish(events.PlatformConnected, map[string]interface{}{"platform": id})
	}

	sub, err := m.bus.Subscribe(events.UpdateAvailable, func(_ context.Context, ev *bus.Event) error {
		m.safeHandle("update_available", func() { m.handleUpdateAvailable(ev) })
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.UpdateAvailable, err)
	}
	m.subs = append(m.subs, sub)

	m.wg.Add(2)
	go m.monitorLoop()
	go m.cleanupLoop()
	return nil
}

// Shutdown pauses every active session so it can be resumed after a
// restart, then disconnects the platforms and stops background work.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })

	for _, s := range m.registry.Active() {
		m.pauseSession(s, "bot shutting down")
	}
	m.upd.stopTimers()

	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	for id, client := range m.platforms {
		if err := client.Disconnect(); err != nil {
			m.log.Warn("platform disconnect failed",
				zap.String("platform", id), zap.Error(err))
		}
		m.publish(events.PlatformDisconnected, map[string]interface{}{"platform": id})
	}
	m.wg.Wait()
	m.log.Info("session manager stopped")
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

func (m *Manager) nextSessionNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionSeq++
	return m.sessionSeq
}

// handleMessage is the entry point for every inbound post.
func (m *Manager) handleMessage(client platform.Client, post *platform.Post, user *platform.User) {
	if post == nil || user == nil || user.IsBot {
		return
	}
	if bot := client.BotUser(); bot != nil && bot.ID == user.ID {
		return
	}

	threadID := post.RootThreadID()
	if s, ok := m.registry.Get(client.ID(), threadID); ok {
		m.handleSessionMessage(s, client, post, user)
		return
	}
	m.handleThreadMessage(client, post, user)
}

// handleSessionMessage routes a post in a thread with an active session:
// commands first, then message-approval gating, then the assistant.
func (m *Manager) handleSessionMessage(s *Session, client platform.Client, post *platform.Post, user *platform.User) {
	s.setChannelID(post.ChannelID)

	text := strings.TrimSpace(post.Message)
	if client.IsBotMentioned(text) {
		text = strings.TrimSpace(client.ExtractPrompt(text))
	}
	if text == "" {
		return
	}

	if cmd, ok := command.Parse(text, m.slashChecker(s)); ok {
		m.dispatchSessionCommand(s, client, post, user, cmd)
		return
	}

	if !s.IsUserAllowed(user.Username) {
		s.Messages().Approvals().Request(user.Username, text)
		return
	}
	m.forwardMessage(s, client, text)
}

// forwardMessage delivers an allowed user's text to the session.
func (m *Manager) forwardMessage(s *Session, client platform.Client, text string) {
	s.Touch()
	s.bumpMessageCount()

	// While a context prompt is pending the text joins the parked
	// prompt instead of racing past it.
	if s.Messages().Prompts().PendingContextPrompt() != nil {
		if s.Messages().Prompts().AppendQueuedPrompt(text, nil) {
			m.log.Debug("message appended to queued prompt",
				zap.String("session", s.Key()))
			m.checkpoint(s)
			return
		}
	}

	if s.NeedsContextPrompt() {
		s.setNeedsContextPrompt(false)
		if m.offerContextPrompt(s, client, text) {
			m.checkpoint(s)
			return
		}
	}

	m.sendToAssistant(s, text)
	m.checkpoint(s)
}

// sendToAssistant pushes text into the child, parking it when the child
// is not up yet (pending worktree prompt at start).
func (m *Manager) sendToAssistant(s *Session, text string) {
	if text == "" {
		return
	}
	r := s.Runner()
	if r == nil {
		s.appendQueuedPrompt(text)
		return
	}
	if err := r.SendMessage(text); err != nil {
		m.log.Warn("send to assistant failed",
			zap.String("session", s.Key()), zap.Error(err))
		s.Messages().System().Post(message.SystemError, "Could not deliver the message to the assistant: "+err.Error())
		return
	}
	s.setBusy(true)
	s.setLifecycle(LifecycleActive)
}

// handleThreadMessage handles posts in threads without an active
// session: resume a persisted one, or start fresh on a mention.
func (m *Manager) handleThreadMessage(client platform.Client, post *platform.Post, user *platform.User) {
	threadID := post.RootThreadID()

	ctx, cancel := callCtx()
	rec, err := m.store.FindByThread(ctx, client.ID(), threadID)
	cancel()
	if err == nil {
		m.handlePersistedMessage(client, rec, post, user)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		m.log.Warn("thread lookup failed", zap.Error(err))
	}

	if !client.IsBotMentioned(post.Message) {
		return
	}
	prompt := strings.TrimSpace(client.ExtractPrompt(post.Message))

	if cmd, ok := command.Parse(prompt, m.slashChecker(nil)); ok {
		m.dispatchThreadCommand(client, post, user, cmd)
		return
	}

	if !client.IsUserAllowed(user.Username) {
		m.postNotice(client, threadID, "🚫 "+client.Formatter().FormatUserMention(user.Username)+" is not allowed to start sessions.")
		return
	}

	branch, rest := parseInlineWorktree(prompt)
	m.startSession(client, post, user, rest, branch)
}

// handlePersistedMessage resumes a stored session for an allowed user's
// message and replays the message through the normal path.
func (m *Manager) handlePersistedMessage(client platform.Client, rec *store.Record, post *platform.Post, user *platform.User) {
	if !recordAllowsUser(rec, user.Username) {
		m.postNotice(client, post.RootThreadID(), "🚫 "+client.Formatter().FormatUserMention(user.Username)+" is not allowed to resume this session.")
		return
	}
	s, err := m.resumeFromRecord(client, rec, post.ChannelID, user.Username)
	if err != nil {
		return
	}
	m.handleSessionMessage(s, client, post, user)
}

func recordAllowsUser(rec *store.Record, username string) bool {
	if username == rec.StartedBy {
		return true
	}
	for _, u := range rec.AllowedUsers {
		if u == username {
			return true
		}
	}
	return false
}

// parseInlineWorktree recognizes a leading "on branch <name>" clause in
// a first prompt and splits it off.
func parseInlineWorktree(prompt string) (branch, rest string) {
	fields := strings.Fields(prompt)
	if len(fields) < 3 {
		return "", prompt
	}
	if !strings.EqualFold(fields[0], "on") || !strings.EqualFold(fields[1], "branch") {
		return "", prompt
	}
	return fields[2], strings.TrimSpace(strings.Join(fields[3:], " "))
}

// slashChecker reports whether a token is a relayable slash command.
func (m *Manager) slashChecker(s *Session) func(string) bool {
	return func(name string) bool {
		switch name {
		case "context", "cost", "compact":
			return true
		}
		if s == nil {
			return false
		}
		if r := s.Runner(); r != nil {
			for _, c := range r.SlashCommands() {
				if c == name {
					return true
				}
			}
		}
		return false
	}
}

// safeHandle keeps a panicking handler from taking down the process.
func (m *Manager) safeHandle(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("handler panic",
				zap.String("handler", kind),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// postNotice creates a standalone post in a thread, logging failures.
func (m *Manager) postNotice(client platform.Client, threadID, content string) {
	ctx, cancel := callCtx()
	defer cancel()
	if _, err := client.CreatePost(ctx, threadID, content); err != nil {
		m.log.Warn("notice post failed", zap.String("thread", threadID), zap.Error(err))
	}
}

// publish emits a bus event on a bare subject.
func (m *Manager) publish(eventType string, data map[string]interface{}) {
	ctx, cancel := callCtx()
	defer cancel()
	if err := m.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.log.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// publishSession emits a session-scoped lifecycle event.
func (m *Manager) publishSession(eventType string, s *Session, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["platform_id"] = s.PlatformID
	data["thread_id"] = s.ThreadID
	subject := events.BuildSessionSubject(eventType, s.PlatformID, s.ThreadID)
	ctx, cancel := callCtx()
	defer cancel()
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.log.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// takePendingDir consumes a working directory set via !cd before the
// session existed.
func (m *Manager) takePendingDir(platformID, threadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := store.SessionKey(platformID, threadID)
	dir := m.pendingDirs[key]
	delete(m.pendingDirs, key)
	return dir
}

func (m *Manager) setPendingDir(platformID, threadID, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingDirs[store.SessionKey(platformID, threadID)] = dir
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), platformCallTimeout)
}
