package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
)

const defaultBasePath = "~/.claude-threads/worktrees"

// Manager creates, lists and removes worktrees under a single base
// directory, one subdirectory per sanitized branch name. Git commands
// against the same parent repository are serialized per repo.
type Manager struct {
	cfg      config.WorktreeConfig
	log      *logger.Logger
	basePath string

	repoMu    sync.Mutex
	repoLocks map[string]*sync.Mutex

	refMu sync.Mutex
	refs  map[string]map[string]struct{}
}

// NewManager expands the configured base path and ensures it exists.
func NewManager(cfg config.WorktreeConfig, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	raw := cfg.BasePath
	if raw == "" {
		raw = defaultBasePath
	}
	base, err := expandPath(raw)
	if err != nil {
		return nil, fmt.Errorf("expand worktree base path: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "workspace")),
		basePath:  base,
		repoLocks: make(map[string]*sync.Mutex),
		refs:      make(map[string]map[string]struct{}),
	}, nil
}

// Enabled reports whether worktree support is turned on.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// BasePath returns the expanded directory worktrees are created under.
func (m *Manager) BasePath() string {
	return m.basePath
}

// PathFor returns the directory a branch's worktree lives in.
func (m *Manager) PathFor(branch string) string {
	return filepath.Join(m.basePath, SanitizeName(branch))
}

// Existing returns the worktree for a branch when its directory holds a
// valid checkout.
func (m *Manager) Existing(branch string) (*Info, bool) {
	path := m.PathFor(branch)
	if !IsValid(path) {
		return nil, false
	}
	return &Info{RepoRoot: RepoRootFromWorktree(path), Path: path, Branch: branch}, true
}

// Create makes the worktree for branch off the repository at repoRoot,
// or reuses an existing checkout of the same branch. New branches fork
// from the configured default branch when it exists, otherwise from
// HEAD.
func (m *Manager) Create(ctx context.Context, repoRoot, branch string) (*Info, error) {
	if branch == "" {
		return nil, fmt.Errorf("workspace: branch name required")
	}
	if !isGitRepo(repoRoot) {
		return nil, ErrNotGitRepo
	}

	lock := m.repoLock(repoRoot)
	lock.Lock()
	defer lock.Unlock()

	if info, ok := m.Existing(branch); ok {
		if info.RepoRoot == "" {
			info.RepoRoot = repoRoot
		}
		m.log.Info("reusing existing worktree",
			zap.String("path", info.Path),
			zap.String("branch", branch))
		return info, nil
	}

	path := m.PathFor(branch)
	base := m.cfg.DefaultBranch
	if base == "" || !branchExists(repoRoot, base) {
		base = "HEAD"
	}

	out, err := gitRun(ctx, repoRoot, "worktree", "add", "-b", branch, path, base)
	if err != nil && strings.Contains(out, "already exists") {
		// The branch exists without a checkout; add the worktree on it.
		out, err = gitRun(ctx, repoRoot, "worktree", "add", path, branch)
	}
	if err != nil {
		m.log.Error("git worktree add failed",
			zap.String("branch", branch),
			zap.String("output", strings.TrimSpace(out)),
			zap.Error(err))
		return nil, fmt.Errorf("git worktree add: %s", strings.TrimSpace(out))
	}

	m.log.Info("created worktree",
		zap.String("path", path),
		zap.String("branch", branch),
		zap.String("base", base))
	return &Info{RepoRoot: repoRoot, Path: path, Branch: branch}, nil
}

// Remove deletes a worktree checkout. It refuses while sessions still
// reference the path. The branch is deleted too when cleanup-on-remove
// is configured.
func (m *Manager) Remove(ctx context.Context, info *Info) error {
	if info == nil || info.Path == "" {
		return nil
	}
	if n := m.RefCount(info.Path); n > 0 {
		return fmt.Errorf("worktree %s is referenced by %d session(s)", info.Branch, n)
	}

	repoRoot := info.RepoRoot
	if repoRoot == "" {
		repoRoot = RepoRootFromWorktree(info.Path)
	}
	if repoRoot != "" {
		lock := m.repoLock(repoRoot)
		lock.Lock()
		defer lock.Unlock()
	}

	out, err := gitRun(ctx, repoRoot, "worktree", "remove", "--force", info.Path)
	if err != nil {
		m.log.Debug("git worktree remove failed, removing directory",
			zap.String("path", info.Path),
			zap.String("output", strings.TrimSpace(out)),
			zap.Error(err))
		if rmErr := os.RemoveAll(info.Path); rmErr != nil {
			return fmt.Errorf("remove worktree directory: %w", rmErr)
		}
		if repoRoot != "" {
			_, _ = gitRun(ctx, repoRoot, "worktree", "prune")
		}
	}

	if m.cfg.CleanupOnRemove && repoRoot != "" && info.Branch != "" {
		if out, err := gitRun(ctx, repoRoot, "branch", "-D", info.Branch); err != nil {
			m.log.Warn("failed to delete worktree branch",
				zap.String("branch", info.Branch),
				zap.String("output", strings.TrimSpace(out)))
		}
	}

	m.log.Info("removed worktree",
		zap.String("path", info.Path),
		zap.String("branch", info.Branch))
	return nil
}

// List returns the valid worktrees under the base path.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.basePath, e.Name())
		if !IsValid(path) {
			continue
		}
		branch := currentBranch(ctx, path)
		if branch == "" {
			branch = e.Name()
		}
		out = append(out, Info{RepoRoot: RepoRootFromWorktree(path), Path: path, Branch: branch})
	}
	return out, nil
}

// Retain records that a session uses the worktree at path.
func (m *Manager) Retain(path, sessionKey string) {
	if path == "" || sessionKey == "" {
		return
	}
	m.refMu.Lock()
	defer m.refMu.Unlock()
	set := m.refs[path]
	if set == nil {
		set = make(map[string]struct{})
		m.refs[path] = set
	}
	set[sessionKey] = struct{}{}
}

// Release drops a session's reference on the worktree at path.
func (m *Manager) Release(path, sessionKey string) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	set := m.refs[path]
	if set == nil {
		return
	}
	delete(set, sessionKey)
	if len(set) == 0 {
		delete(m.refs, path)
	}
}

// RefCount returns how many sessions currently reference path.
func (m *Manager) RefCount(path string) int {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return len(m.refs[path])
}

// CleanupStale removes worktrees whose directories have not changed for
// maxAge and that no session references. The inUse callback lets the
// caller veto removal for paths persisted sessions still point at.
// Returns the number of worktrees removed.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration, inUse func(path string) bool) int {
	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.basePath, e.Name())
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if m.RefCount(path) > 0 {
			continue
		}
		if inUse != nil && inUse(path) {
			continue
		}
		if !IsValid(path) {
			// Leftover directory that never became a worktree.
			if err := os.RemoveAll(path); err != nil {
				m.log.Warn("failed to remove stale directory", zap.String("path", path), zap.Error(err))
				continue
			}
			removed++
			continue
		}
		branch := currentBranch(ctx, path)
		if branch == "" {
			branch = e.Name()
		}
		info := Info{RepoRoot: RepoRootFromWorktree(path), Path: path, Branch: branch}
		if err := m.Remove(ctx, &info); err != nil {
			m.log.Warn("failed to remove stale worktree", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func (m *Manager) repoLock(repoRoot string) *sync.Mutex {
	m.repoMu.Lock()
	defer m.repoMu.Unlock()
	lock := m.repoLocks[repoRoot]
	if lock == nil {
		lock = &sync.Mutex{}
		m.repoLocks[repoRoot] = lock
	}
	return lock
}
