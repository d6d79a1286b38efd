package session

import (
	"go.uber.org/zap"
)

// checkpoint writes the session's current record to the store. Failures
// are logged, never surfaced: losing a checkpoint degrades resume, not
// the live session.
func (m *Manager) checkpoint(s *Session) {
	if m.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ctx, cancel := callCtx()
	defer cancel()
	if err := m.store.Save(ctx, s.Record()); err != nil {
		m.log.Warn("session checkpoint failed",
			zap.String("session", s.Key()), zap.Error(err))
	}
}

// unpersist soft-deletes the stored record so the thread no longer
// resumes. The row stays behind for history queries.
func (m *Manager) unpersist(s *Session) {
	if m.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ctx, cancel := callCtx()
	defer cancel()
	if err := m.store.SoftDelete(ctx, s.PlatformID, s.ThreadID); err != nil {
		m.log.Warn("session unpersist failed",
			zap.String("session", s.Key()), zap.Error(err))
	}
}
