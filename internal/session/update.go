package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/events/bus"
)

// updateCoordinator tracks one announced version across every session.
// The first update_now verdict wins; defer pushes the next round of
// prompts out by the configured delay.
type updateCoordinator struct {
	mu      sync.Mutex
	version string
	decided bool
	timers  []*time.Timer
}

func (u *updateCoordinator) addTimer(t *time.Timer) {
	u.mu.Lock()
	u.timers = append(u.timers, t)
	u.mu.Unlock()
}

func (u *updateCoordinator) stopTimers() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopTimersLocked()
}

func (u *updateCoordinator) stopTimersLocked() {
	for _, t := range u.timers {
		t.Stop()
	}
	u.timers = nil
}

// handleUpdateAvailable reacts to an announced version: prompt the
// active sessions, or apply immediately when nobody is around to ask.
func (m *Manager) handleUpdateAvailable(ev *bus.Event) {
	version, _ := ev.Data["version"].(string)
	if version == "" {
		return
	}

	m.upd.mu.Lock()
	if m.upd.version == version {
		// Already prompting for, or already decided on, this one.
		m.upd.mu.Unlock()
		return
	}
	m.upd.version = version
	m.upd.decided = false
	m.upd.stopTimersLocked()
	m.upd.mu.Unlock()

	m.log.Info("update available", zap.String("version", version))
	m.broadcastUpdatePrompt()
}

// broadcastUpdatePrompt posts the update offer into every active
// session. Each offer gets its own timeout; an ignored offer proceeds
// with the update via the executor's timeout resolution.
func (m *Manager) broadcastUpdatePrompt() {
	m.upd.mu.Lock()
	version := m.upd.version
	decided := m.upd.decided
	m.upd.mu.Unlock()
	if decided || version == "" {
		return
	}

	sessions := m.registry.Active()
	if len(sessions) == 0 {
		m.applyUpdate(version)
		return
	}

	timeout := m.cfg.Updates.PromptTimeout()
	for _, s := range sessions {
		prompts := s.Messages().Prompts()
		prompts.ExecuteUpdatePrompt(version)
		t := time.AfterFunc(timeout, func() {
			m.safeHandle("update_timeout", prompts.ResolveUpdateTimeout)
		})
		m.upd.addTimer(t)
	}
}

// handleUpdateDecision applies one session's verdict to the shared
// coordinator.
func (m *Manager) handleUpdateDecision(s *Session, action, version string) {
	switch action {
	case "update_now":
		m.applyUpdate(version)
	case "defer":
		m.deferUpdate(version)
	default:
		m.log.Warn("unknown update action",
			zap.String("session", s.Key()), zap.String("action", action))
	}
}

// applyUpdate fires the accept callback exactly once per version. The
// caller of Options.OnUpdateAccepted owns the actual swap and restart.
func (m *Manager) applyUpdate(version string) {
	if version == "" {
		return
	}
	m.upd.mu.Lock()
	if m.upd.decided {
		m.upd.mu.Unlock()
		return
	}
	m.upd.version = version
	m.upd.decided = true
	m.upd.stopTimersLocked()
	m.upd.mu.Unlock()

	m.log.Info("applying update", zap.String("version", version))
	m.publish(events.UpdateApplied, map[string]interface{}{"version": version})
	if m.onUpdate != nil {
		m.onUpdate(version)
	}
}

// deferUpdate pushes the next prompt round out. Prompts still pending
// in other sessions keep running; their verdicts settle the same
// coordinator.
func (m *Manager) deferUpdate(version string) {
	m.upd.mu.Lock()
	if m.upd.decided {
		m.upd.mu.Unlock()
		return
	}
	m.upd.stopTimersLocked()
	t := time.AfterFunc(m.cfg.Updates.DeferDuration(), func() {
		m.safeHandle("update_rebroadcast", m.broadcastUpdatePrompt)
	})
	m.upd.timers = append(m.upd.timers, t)
	m.upd.mu.Unlock()

	m.log.Info("update deferred",
		zap.String("version", version),
		zap.Duration("delay", m.cfg.Updates.DeferDuration()))
}
