package session

import (
	"fmt"
	"time"

	"github.com/anneschuth/claude-threads-sub002/internal/events"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
)

// monitorLoop watches session idleness: one warning as the deadline
// approaches, then an automatic pause. Also drives the periodic sticky
// refresh.
func (m *Manager) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Sessions.MonitorIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.safeHandle("monitor", m.monitorPass)
		}
	}
}

func (m *Manager) monitorPass() {
	idleTimeout := m.cfg.Sessions.IdleTimeout()
	warnAt := idleTimeout - m.cfg.Sessions.WarningThreshold()
	now := time.Now()

	for _, s := range m.registry.Active() {
		switch lc := s.Lifecycle(); lc {
		case LifecycleStarting, LifecyclePaused, LifecycleEnding, LifecycleEnded:
			continue
		}

		idle := s.IdleFor(now)
		switch {
		case idle >= idleTimeout:
			m.pauseSession(s, "idle timeout")
		case idle >= warnAt && s.markWarned():
			remaining := idleTimeout - idle
			s.Messages().System().Post(message.SystemWarning, fmt.Sprintf(
				"⏰ This session pauses in about %s unless there is activity.",
				approxMinutes(remaining)))
			m.publishSession(events.SessionIdleWarning, s, map[string]interface{}{
				"idle_seconds": int(idle.Seconds()),
			})
		}
	}

	m.refreshStickies(false)
}

func approxMinutes(d time.Duration) string {
	mins := int(d.Round(time.Minute) / time.Minute)
	if mins <= 1 {
		return "a minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}
