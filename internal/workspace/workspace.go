// Package workspace manages the git worktrees sessions run in. To the
// rest of the system a worktree is an opaque (path, branch) pair;
// reference counts keep a shared worktree alive until the last session
// leaves it.
package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotGitRepo is returned when a directory is not inside a git
// repository.
var ErrNotGitRepo = errors.New("workspace: not a git repository")

// Info describes one worktree.
type Info struct {
	RepoRoot string `json:"repoRoot"`
	Path     string `json:"path"`
	Branch   string `json:"branch"`
}

// SanitizeName turns a branch name into a filesystem-safe directory
// name: lowercase alphanumerics with single dashes.
func SanitizeName(branch string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(branch) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsValid reports whether path holds a usable worktree checkout.
// Worktrees carry a .git file (not a directory) pointing back at the
// parent repository.
func IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(content)), "gitdir:")
}

// RepoRootFromWorktree reads the parent repository path out of a
// worktree's .git file. Returns empty when it cannot be determined.
func RepoRootFromWorktree(path string) string {
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(content))
	line = strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	idx := strings.Index(line, "/.git/worktrees/")
	if idx < 0 {
		return ""
	}
	return line[:idx]
}

// RepoRoot resolves the root of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := gitRun(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", ErrNotGitRepo
	}
	return strings.TrimSpace(out), nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	// .git is a directory in a regular checkout, a file in a worktree.
	return info.IsDir() || info.Mode().IsRegular()
}

func branchExists(repoRoot, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", branch)
	cmd.Dir = repoRoot
	return cmd.Run() == nil
}

func currentBranch(ctx context.Context, path string) string {
	out, err := gitRun(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
