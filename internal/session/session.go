// Package session owns the top of the runtime: one Session per chat
// thread, the registry that indexes them, and the manager that starts,
// pauses, resumes and ends them. Platform adapters feed messages and
// reactions in; the assistant child process feeds events in; everything
// else hangs off the per-session message manager.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/anneschuth/claude-threads-sub002/internal/assistant"
	"github.com/anneschuth/claude-threads-sub002/internal/common/stringutil"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/store"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

// Lifecycle is a session's place in its state machine.
type Lifecycle string

const (
	LifecycleStarting    Lifecycle = "starting"
	LifecycleActive      Lifecycle = "active"
	LifecycleIdle        Lifecycle = "idle"
	LifecyclePaused      Lifecycle = "paused"
	LifecycleInterrupted Lifecycle = "interrupted"
	LifecycleEnding      Lifecycle = "ending"
	LifecycleEnded       Lifecycle = "ended"
)

// runner is the slice of the assistant child the session layer drives.
// Tests substitute a fake; production wires *assistant.Assistant.
type runner interface {
	Start(ctx context.Context) error
	Events() <-chan assistant.Event
	SessionID() string
	SlashCommands() []string
	SendMessage(text string) error
	RespondToAction(requestID string, allow bool, message string) error
	Interrupt() error
	SetPermissionMode(mode string) error
	RecentStderr() []string
	ExitCode() int
	Stop(ctx context.Context) error
	Kill() error
}

// Session is one conversation in one thread with one assistant child.
// All mutable fields are guarded by mu; the message manager is created
// once and never replaced, the runner is replaced on resume and worktree
// switches.
type Session struct {
	PlatformID string
	ThreadID   string

	messages *message.Manager

	// persistMu serializes store writes for this session.
	persistMu sync.Mutex

	mu               sync.Mutex
	lifecycle        Lifecycle
	channelID        string
	owner            string
	ownerDisplayName string
	allowed          map[string]struct{}
	startedAt        time.Time
	lastActivityAt   time.Time
	sessionNumber    int
	workingDir       string
	planApproved     bool
	forceInteractive bool
	startPostID      string
	lifecyclePostID  string
	messageCount     int
	resumeFailCount  int
	title            string
	description      string
	tags             []string
	pullRequestURL   string
	firstPrompt      string
	queuedPrompt     string
	queuedFiles      []string
	needsContext     bool
	warned           bool
	busy             bool
	expectExit       bool
	worktree         *workspace.Info
	worktreeOwner    bool
	worktreeDisabled bool
	claudeSessionID  string
	run              runner
	typingCancel     context.CancelFunc
	ctxTimer         *time.Timer
	subs             []bus.Subscription
}

// newSession creates a session in the starting state. The owner is
// always in the allowed set.
func newSession(platformID, threadID, channelID, owner, ownerDisplay string, number int) *Session {
	now := time.Now().UTC()
	return &Session{
		PlatformID:       platformID,
		ThreadID:         threadID,
		channelID:        channelID,
		lifecycle:        LifecycleStarting,
		owner:            owner,
		ownerDisplayName: ownerDisplay,
		allowed:          map[string]struct{}{owner: {}},
		startedAt:        now,
		lastActivityAt:   now,
		sessionNumber:    number,
	}
}

// sessionFromRecord rebuilds a session from its persisted record. The
// caller hydrates the message manager separately.
func sessionFromRecord(rec *store.Record) *Session {
	s := &Session{
		PlatformID:       rec.PlatformID,
		ThreadID:         rec.ThreadID,
		lifecycle:        LifecycleStarting,
		owner:            rec.StartedBy,
		ownerDisplayName: rec.StartedByDisplayName,
		allowed:          make(map[string]struct{}, len(rec.AllowedUsers)+1),
		startedAt:        rec.StartedAt,
		lastActivityAt:   time.Now().UTC(),
		sessionNumber:    rec.SessionNumber,
		workingDir:       rec.WorkingDir,
		planApproved:     rec.PlanApproved,
		forceInteractive: rec.ForceInteractivePermissions,
		startPostID:      rec.SessionStartPostID,
		lifecyclePostID:  rec.LifecyclePostID,
		messageCount:     rec.MessageCount,
		resumeFailCount:  rec.ResumeFailCount,
		title:            rec.SessionTitle,
		description:      rec.SessionDescription,
		tags:             append([]string(nil), rec.SessionTags...),
		pullRequestURL:   rec.PullRequestURL,
		firstPrompt:      rec.FirstPrompt,
		queuedPrompt:     rec.QueuedPrompt,
		queuedFiles:      append([]string(nil), rec.QueuedFiles...),
		needsContext:     rec.NeedsContextPrompt,
		worktree:         rec.WorktreeInfo,
		worktreeOwner:    rec.IsWorktreeOwner,
		worktreeDisabled: rec.WorktreePromptDisabled,
		claudeSessionID:  rec.ClaudeSessionID,
	}
	for _, u := range rec.AllowedUsers {
		s.allowed[u] = struct{}{}
	}
	s.allowed[s.owner] = struct{}{}
	return s
}

// Record snapshots the session into its persisted shape.
func (s *Session) Record() *store.Record {
	st := message.State{}
	if s.messages != nil {
		st = s.messages.Snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &store.Record{
		PlatformID:                  s.PlatformID,
		ThreadID:                    s.ThreadID,
		ClaudeSessionID:             s.claudeSessionID,
		StartedBy:                   s.owner,
		StartedByDisplayName:        s.ownerDisplayName,
		StartedAt:                   s.startedAt,
		LastActivityAt:              s.lastActivityAt,
		SessionNumber:               s.sessionNumber,
		WorkingDir:                  s.workingDir,
		PlanApproved:                s.planApproved,
		AllowedUsers:                s.allowedLocked(),
		ForceInteractivePermissions: s.forceInteractive,
		SessionStartPostID:          s.startPostID,
		State:                       st,
		WorktreeInfo:                s.worktree,
		IsWorktreeOwner:             s.worktreeOwner,
		WorktreePromptDisabled:      s.worktreeDisabled,
		QueuedPrompt:                s.queuedPrompt,
		QueuedFiles:                 append([]string(nil), s.queuedFiles...),
		FirstPrompt:                 s.firstPrompt,
		NeedsContextPrompt:          s.needsContext,
		LifecyclePostID:             s.lifecyclePostID,
		IsPaused:                    s.lifecycle == LifecyclePaused,
		SessionTitle:                s.title,
		SessionDescription:          s.description,
		SessionTags:                 append([]string(nil), s.tags...),
		PullRequestURL:              s.pullRequestURL,
		MessageCount:                s.messageCount,
		ResumeFailCount:             s.resumeFailCount,
	}
}

// Key returns the composite session id.
func (s *Session) Key() string {
	return store.SessionKey(s.PlatformID, s.ThreadID)
}

// Messages returns the session's message manager.
func (s *Session) Messages() *message.Manager { return s.messages }

// Lifecycle returns the current lifecycle state.
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

func (s *Session) setLifecycle(lc Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = lc
}

// markIdleIfActive flips an active session to idle after a completed
// turn without clobbering pause or teardown states.
func (s *Session) markIdleIfActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == LifecycleActive {
		s.lifecycle = LifecycleIdle
	}
}

// Touch records user activity and rearms the idle warning.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now().UTC()
	s.warned = false
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivityAt)
}

// markWarned flags the one-time idle warning. Returns false when the
// warning was already posted since the last activity.
func (s *Session) markWarned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned {
		return false
	}
	s.warned = true
	return true
}

// Owner returns the user that started the session.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// OwnerDisplayName returns the owner's display name, or the username.
func (s *Session) OwnerDisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerDisplayName != "" {
		return s.ownerDisplayName
	}
	return s.owner
}

// IsUserAllowed reports whether a user may drive this session.
func (s *Session) IsUserAllowed(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.allowed[username]
	return ok
}

// Invite adds a user to the allowed set. Returns false when the user was
// already allowed.
func (s *Session) Invite(username string) bool {
	if username == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allowed[username]; ok {
		return false
	}
	s.allowed[username] = struct{}{}
	return true
}

// Kick removes a user from the allowed set. The owner cannot be kicked.
func (s *Session) Kick(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if username == s.owner {
		return false
	}
	if _, ok := s.allowed[username]; !ok {
		return false
	}
	delete(s.allowed, username)
	return true
}

// AllowedUsers returns the allowed usernames, owner first.
func (s *Session) AllowedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowedLocked()
}

func (s *Session) allowedLocked() []string {
	users := make([]string, 0, len(s.allowed))
	users = append(users, s.owner)
	for u := range s.allowed {
		if u != s.owner {
			users = append(users, u)
		}
	}
	return users
}

// ChannelID returns the channel the session's thread lives in. Empty for
// sessions resumed by reaction, until the next message arrives.
func (s *Session) ChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

func (s *Session) setChannelID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelID = id
}

// Number returns the human-facing session number.
func (s *Session) Number() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionNumber
}

// WorkingDir returns the assistant's working directory.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

func (s *Session) setWorkingDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workingDir = dir
}

// StartPostID returns the id of the session-start post.
func (s *Session) StartPostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startPostID
}

func (s *Session) setStartPostID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startPostID = id
}

// LifecyclePostID returns the id of the pause/shutdown status post.
func (s *Session) LifecyclePostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecyclePostID
}

func (s *Session) setLifecyclePostID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecyclePostID = id
}

// Title returns the session title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// PullRequestURL returns the last pull request the assistant reported.
func (s *Session) PullRequestURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pullRequestURL
}

func (s *Session) setPullRequestURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullRequestURL = url
}

// MessageCount returns how many user messages the session consumed.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

func (s *Session) bumpMessageCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
}

// ClaudeSessionID returns the CLI-side session id used for resume.
func (s *Session) ClaudeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claudeSessionID
}

func (s *Session) setClaudeSessionID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claudeSessionID = id
}

// Worktree returns the session's worktree, or nil.
func (s *Session) Worktree() *workspace.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worktree
}

// IsWorktreeOwner reports whether this session created its worktree.
func (s *Session) IsWorktreeOwner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worktreeOwner
}

func (s *Session) setWorktree(info *workspace.Info, owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worktree = info
	s.worktreeOwner = owned
	if info != nil {
		s.workingDir = info.Path
	}
}

// WorktreePromptDisabled reports whether worktree offers are muted.
func (s *Session) WorktreePromptDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worktreeDisabled
}

func (s *Session) setWorktreePromptDisabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worktreeDisabled = v
}

// ForceInteractive reports whether permission prompts are forced on.
func (s *Session) ForceInteractive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceInteractive
}

func (s *Session) setForceInteractive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceInteractive = v
}

// PlanApproved reports whether a plan was approved this session.
func (s *Session) PlanApproved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planApproved
}

func (s *Session) setPlanApproved(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planApproved = v
}

// Busy reports whether the assistant is mid-turn.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) setBusy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = v
}

// expectingExit flags that the next child exit is deliberate, so the
// exit handler stays quiet.
func (s *Session) expectingExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectExit
}

func (s *Session) setExpectExit(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectExit = v
}

// Runner returns the assistant child handle, or nil before spawn.
func (s *Session) Runner() runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Session) setRunner(r runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = r
}

func (s *Session) setFirstPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstPrompt = prompt
	if s.title == "" {
		s.title = stringutil.Truncate(stringutil.FirstLine(prompt), 80)
	}
}

// takeQueuedPrompt returns and clears the deferred start prompt.
func (s *Session) takeQueuedPrompt() (string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, f := s.queuedPrompt, s.queuedFiles
	s.queuedPrompt, s.queuedFiles = "", nil
	return p, f
}

func (s *Session) setQueuedPrompt(prompt string, files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedPrompt = prompt
	s.queuedFiles = append([]string(nil), files...)
}

// appendQueuedPrompt joins text onto the deferred start prompt.
func (s *Session) appendQueuedPrompt(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queuedPrompt != "" {
		s.queuedPrompt += "\n\n"
	}
	s.queuedPrompt += text
}

// NeedsContextPrompt reports whether the next message should offer
// thread history.
func (s *Session) NeedsContextPrompt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsContext
}

func (s *Session) setNeedsContextPrompt(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsContext = v
}

// ResumeFailCount returns how many consecutive resume attempts failed.
func (s *Session) ResumeFailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeFailCount
}

// noteResumeFailure bumps the failure counter. After three consecutive
// failures the stored CLI session id is dropped so the next attempt
// starts a fresh conversation instead of failing forever.
func (s *Session) noteResumeFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeFailCount++
	if s.resumeFailCount >= maxResumeFailures {
		s.claudeSessionID = ""
	}
	return s.resumeFailCount
}

func (s *Session) clearResumeFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeFailCount = 0
}

// setContextTimer replaces the pending context-prompt timeout, stopping
// the previous one so a stale timer cannot resolve a newer prompt.
func (s *Session) setContextTimer(t *time.Timer) {
	s.mu.Lock()
	old := s.ctxTimer
	s.ctxTimer = t
	s.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

func (s *Session) stopContextTimer() {
	s.setContextTimer(nil)
}

func (s *Session) setTypingCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	old := s.typingCancel
	s.typingCancel = cancel
	s.mu.Unlock()
	if old != nil {
		old()
	}
}

func (s *Session) stopTyping() {
	s.setTypingCancel(nil)
}

func (s *Session) addSubscription(sub bus.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *Session) unsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// maxResumeFailures is how many failed resumes are tolerated before the
// stored CLI session id is abandoned.
const maxResumeFailures = 3
