package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/appctx"
)

const cleanupOpTimeout = time.Minute

// cleanupLoop prunes stale store rows, expired history and abandoned
// worktrees on the configured interval.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Sessions.CleanupIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.safeHandle("cleanup", m.cleanupPass)
		}
	}
}

func (m *Manager) cleanupPass() {
	ctx, cancel := appctx.Detached(m.stopCh, cleanupOpTimeout)
	defer cancel()

	// A stored session idle for two timeouts is gone for good.
	if n, err := m.store.CleanStale(ctx, 2*m.cfg.Sessions.IdleTimeout()); err != nil {
		m.log.Warn("stale session cleanup failed", zap.Error(err))
	} else if n > 0 {
		m.log.Info("stale sessions cleaned", zap.Int64("count", n))
	}

	retention := time.Duration(m.cfg.Sessions.HistoryRetentionDays) * 24 * time.Hour
	if n, err := m.store.CleanHistory(ctx, retention); err != nil {
		m.log.Warn("history cleanup failed", zap.Error(err))
	} else if n > 0 {
		m.log.Info("session history cleaned", zap.Int64("count", n))
	}

	m.cleanupWorktrees(ctx)
}

// cleanupWorktrees removes aged worktrees nobody references: neither
// held by an active session nor recorded by a resumable one.
func (m *Manager) cleanupWorktrees(ctx context.Context) {
	if m.worktrees == nil || !m.worktrees.Enabled() {
		return
	}

	inUse, err := m.worktreeInUse(ctx)
	if err != nil {
		// Without the stored view we cannot tell which worktrees are
		// still claimed; skip this round.
		m.log.Warn("worktree cleanup skipped, store load failed", zap.Error(err))
		return
	}

	removed := m.worktrees.CleanupStale(ctx, m.cfg.Worktree.MaxAge(), inUse)
	if removed > 0 {
		m.log.Info("stale worktrees removed", zap.Int("count", removed))
	}
}

// worktreeInUse builds the membership check for worktree garbage
// collection from the live registry and the stored records.
func (m *Manager) worktreeInUse(ctx context.Context) (func(path string) bool, error) {
	inUse := make(map[string]struct{})
	for _, s := range m.registry.Active() {
		if wt := s.Worktree(); wt != nil {
			inUse[wt.Path] = struct{}{}
		}
	}

	records, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.WorktreeInfo != nil && rec.WorktreeInfo.Path != "" {
			inUse[rec.WorktreeInfo.Path] = struct{}{}
		}
	}

	return func(path string) bool {
		_, ok := inUse[path]
		return ok
	}, nil
}
