package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/platform/emoji"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

// withWorktrees enables worktree support under a temp base path.
func withWorktrees(t *testing.T, base string) func(*Options) {
	return func(o *Options) {
		wm, err := workspace.NewManager(config.WorktreeConfig{Enabled: true, BasePath: base}, o.Logger)
		require.NoError(t, err)
		o.Worktrees = wm
	}
}

// fabricateWorktree lays down the marker file that makes a directory
// look like a linked git checkout.
func fabricateWorktree(t *testing.T, base, branch string) string {
	t.Helper()
	name := workspace.SanitizeName(branch)
	path := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(path, 0o755))
	gitFile := "gitdir: /repo/.git/worktrees/" + name + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(path, ".git"), []byte(gitFile), 0o644))
	return path
}

func TestChangeDirBeforeStartAppliesToNextSession(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()

	rootID := env.nextUserPostID()
	env.m.handleMessage(env.fp, &platform.Post{
		ID: rootID, Message: "@bot !cd " + dir, Username: "alice",
		UserID: "uid-alice", ChannelID: "ch-1",
	}, env.user("alice"))

	assert.NotNil(t, env.fp.postContaining("📁 The next session in this thread starts in `"+dir+"`."))
	assert.Equal(t, 0, env.runners.count())

	env.threadPost(rootID, "@bot build it", "alice")

	require.Equal(t, 1, env.runners.count())
	r := env.runners.last()
	assert.Equal(t, dir, r.opts.WorkDir)
	s, ok := env.m.registry.Get("mock", rootID)
	require.True(t, ok)
	assert.Equal(t, dir, s.WorkingDir())
	assert.Equal(t, []string{"build it"}, r.sentMessages())
}

func TestChangeDirBeforeStartRequiresPlatformAccess(t *testing.T) {
	env := newTestEnv(t)
	env.fp.setUserAllowed("bob", false)

	env.m.handleMessage(env.fp, &platform.Post{
		ID: env.nextUserPostID(), Message: "@bot !cd /tmp", Username: "bob",
		UserID: "uid-bob", ChannelID: "ch-1",
	}, env.user("bob"))

	assert.NotNil(t, env.fp.postContaining("@bob is not allowed to set the working directory."))
}

func TestChangeDirInSessionRestartsTheAssistant(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession("alice", "work")
	r1 := env.runners.last()
	dir := t.TempDir()

	env.threadPost(s.ThreadID, "!cd "+dir, "alice")

	require.Equal(t, 2, env.runners.count())
	assert.Equal(t, 1, r1.stopCount())
	r2 := env.runners.last()
	assert.Equal(t, dir, r2.opts.WorkDir)
	assert.Equal(t, dir, s.WorkingDir())
	assert.NotNil(t, env.fp.postContaining("📁 Working directory is now `"+dir+"`; the assistant continues there."))

	env.threadPost(s.ThreadID, "!cd /definitely/not/a/dir", "alice")

	assert.Equal(t, 2, env.runners.count(), "a bad path must not restart anything")
	assert.NotNil(t, env.fp.postContaining("Not a directory: `/definitely/not/a/dir`"))
}

func TestPermissionsCommandTightensLiveSession(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Config.Claude.SkipPermissions = true })
	s := env.startSession("alice", "work")
	r1 := env.runners.last()
	require.True(t, r1.opts.SkipPermissions)

	env.threadPost(s.ThreadID, "!permissions interactive", "alice")

	assert.Equal(t, []string{"default"}, r1.modes())
	assert.Equal(t, 1, env.runners.count(), "a live mode switch needs no restart")
	assert.True(t, s.ForceInteractive())
	assert.NotNil(t, env.fp.postContaining("🔒 Permissions are now interactive; actions need approval."))

	env.threadPost(s.ThreadID, "!permissions interactive", "alice")
	assert.NotNil(t, env.fp.postContaining("Permissions are already interactive."))

	env.threadPost(s.ThreadID, "!permissions auto", "alice")
	assert.NotNil(t, env.fp.postContaining("Cannot upgrade a running session to automatic permissions."))
}

func TestPermissionsFallBackToRestartWhenLiveSwitchFails(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Config.Claude.SkipPermissions = true })
	s := env.startSession("alice", "work")
	r1 := env.runners.last()
	r1.setPermError(errors.New("unsupported"))

	env.threadPost(s.ThreadID, "!permissions interactive", "alice")

	require.Equal(t, 2, env.runners.count())
	assert.Equal(t, 1, r1.stopCount())
	r2 := env.runners.last()
	assert.False(t, r2.opts.SkipPermissions, "the restarted child must ask for approvals")
	assert.NotNil(t, env.fp.postContaining("🔒 Permissions are now interactive; actions need approval."))
}

func TestCommandsFromUninvitedUsersAreRefused(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession("alice", "work")

	env.threadPost(s.ThreadID, "!cd /tmp", "bob")

	assert.NotNil(t, env.fp.postContaining("@bob is not allowed to control this session."))
	assert.Equal(t, 1, env.runners.count())
}

func TestHelpListsCommands(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession("alice", "work")

	env.threadPost(s.ThreadID, "!help", "alice")

	help := env.fp.postContaining("**Commands**")
	require.NotNil(t, help)
	assert.Contains(t, help.content, "!stop")
	assert.Contains(t, help.content, "!worktree")
}

func TestWorktreeCommandsDisabledWithoutConfiguration(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession("alice", "work")

	env.threadPost(s.ThreadID, "!worktree list", "alice")

	assert.NotNil(t, env.fp.postContaining("Worktrees are disabled in the configuration."))
}

func TestWorktreeSwitchJoinsExistingCheckout(t *testing.T) {
	base := t.TempDir()
	env := newTestEnv(t, withWorktrees(t, base))
	wtPath := fabricateWorktree(t, base, "feature")
	s := env.startSession("alice", "work")
	r1 := env.runners.last()

	env.threadPost(s.ThreadID, "!worktree switch feature", "alice")

	require.Equal(t, 2, env.runners.count())
	assert.Equal(t, 1, r1.stopCount())
	r2 := env.runners.last()
	assert.Equal(t, wtPath, r2.opts.WorkDir)
	assert.NotNil(t, env.fp.postContaining("🌿 Now working on `feature` at `"+wtPath+"`."))
	require.NotNil(t, s.Worktree())
	assert.Equal(t, "feature", s.Worktree().Branch)
	assert.Equal(t, 1, env.m.worktrees.RefCount(wtPath))

	// The short alias works and the listing marks the holder.
	env.threadPost(s.ThreadID, "!wt list", "alice")
	listing := env.fp.postContaining("**Worktrees**")
	require.NotNil(t, listing)
	assert.Contains(t, listing.content, "`feature` at `"+wtPath+"`, 1 active (this session)")

	env.threadPost(s.ThreadID, "!worktree switch feature", "alice")
	assert.NotNil(t, env.fp.postContaining("Already on `feature`."))
	assert.Equal(t, 2, env.runners.count())
}

func TestWorktreeRemoveGuardsAndRemoves(t *testing.T) {
	base := t.TempDir()
	env := newTestEnv(t, withWorktrees(t, base))
	wtPath := fabricateWorktree(t, base, "feature")
	s1 := env.startSession("alice", "one")
	env.threadPost(s1.ThreadID, "!worktree switch feature", "alice")

	s2 := env.startSession("carol", "two")
	env.threadPost(s2.ThreadID, "!worktree remove feature", "carol")
	assert.NotNil(t, env.fp.postContaining("That worktree is still used by another session."))
	assert.DirExists(t, wtPath)

	env.threadPost(s2.ThreadID, "!worktree remove nope", "carol")
	assert.NotNil(t, env.fp.postContaining("No worktree for `nope`."))

	// Ending the holder releases the reference; removal then succeeds.
	env.threadPost(s1.ThreadID, "!stop", "alice")
	env.threadPost(s2.ThreadID, "!worktree remove feature", "carol")
	assert.NotNil(t, env.fp.postContaining("🗑️ Worktree for `feature` removed."))
	assert.NoDirExists(t, wtPath)
}

func TestWorktreeCleanupRemovesUnreferencedCheckouts(t *testing.T) {
	base := t.TempDir()
	env := newTestEnv(t, withWorktrees(t, base))
	keep := fabricateWorktree(t, base, "feature")
	stale := fabricateWorktree(t, base, "old-work")
	s := env.startSession("alice", "work")
	env.threadPost(s.ThreadID, "!worktree switch feature", "alice")

	env.threadPost(s.ThreadID, "!worktree cleanup", "alice")

	assert.NotNil(t, env.fp.postContaining("🧹 Removed 1 unused worktrees."))
	assert.DirExists(t, keep)
	assert.NoDirExists(t, stale)
}

func TestWorktreeOffSilencesJoinPrompts(t *testing.T) {
	base := t.TempDir()
	env := newTestEnv(t, withWorktrees(t, base))
	s := env.startSession("alice", "work")

	env.threadPost(s.ThreadID, "!worktree off", "alice")

	assert.NotNil(t, env.fp.postContaining("Worktree prompts are off for this session; existing worktrees join silently."))
	assert.True(t, s.WorktreePromptDisabled())
}

func TestStartOnExistingBranchOffersJoinPrompt(t *testing.T) {
	base := t.TempDir()
	env := newTestEnv(t, withWorktrees(t, base))
	wtPath := fabricateWorktree(t, base, "feature")

	rootID := env.nextUserPostID()
	env.m.handleMessage(env.fp, &platform.Post{
		ID: rootID, Message: "@bot on branch feature fix the tests", Username: "alice",
		UserID: "uid-alice", ChannelID: "ch-1",
	}, env.user("alice"))

	prompt := env.fp.postContaining("Worktree exists")
	require.NotNil(t, prompt)
	assert.Contains(t, prompt.content, "A worktree for `feature` already exists at `"+wtPath+"`.")
	assert.Equal(t, []string{emoji.NameApprove, emoji.NameDeny}, prompt.reactions)
	assert.Equal(t, 0, env.runners.count(), "spawn must wait for the verdict")

	env.react(prompt.id, emoji.NameApprove, "alice")

	env.eventually(func() bool { return env.runners.count() == 1 }, "join did not spawn the assistant")
	r := env.runners.last()
	assert.Equal(t, wtPath, r.opts.WorkDir)
	env.eventually(func() bool {
		msgs := r.sentMessages()
		return len(msgs) == 1 && msgs[0] == "fix the tests"
	}, "queued prompt was not delivered after the join")

	s, ok := env.m.registry.Get("mock", rootID)
	require.True(t, ok)
	require.NotNil(t, s.Worktree())
	assert.Equal(t, wtPath, s.Worktree().Path)
	assert.Equal(t, 1, env.m.worktrees.RefCount(wtPath))
}

func TestStartOnExistingBranchSkipStaysInMainCheckout(t *testing.T) {
	base := t.TempDir()
	env := newTestEnv(t, withWorktrees(t, base))
	wtPath := fabricateWorktree(t, base, "feature")

	rootID := env.nextUserPostID()
	env.m.handleMessage(env.fp, &platform.Post{
		ID: rootID, Message: "@bot on branch feature fix the tests", Username: "alice",
		UserID: "uid-alice", ChannelID: "ch-1",
	}, env.user("alice"))

	prompt := env.fp.postContaining("Worktree exists")
	require.NotNil(t, prompt)

	env.react(prompt.id, emoji.NameDeny, "alice")

	env.eventually(func() bool { return env.runners.count() == 1 }, "skip did not spawn the assistant")
	r := env.runners.last()
	assert.NotEqual(t, wtPath, r.opts.WorkDir)
	env.eventually(func() bool {
		msgs := r.sentMessages()
		return len(msgs) == 1 && msgs[0] == "fix the tests"
	}, "queued prompt was not delivered after the skip")

	s, ok := env.m.registry.Get("mock", rootID)
	require.True(t, ok)
	assert.Nil(t, s.Worktree())
	assert.Equal(t, 0, env.m.worktrees.RefCount(wtPath))
}

type fakeUpdates struct {
	current string
	latest  string
	notes   string
}

func (f *fakeUpdates) CurrentVersion() string { return f.current }

func (f *fakeUpdates) Latest() (string, string, bool) {
	if f.latest == "" {
		return "", "", false
	}
	return f.latest, f.notes, true
}

func TestUpdateCommandReportsVersions(t *testing.T) {
	src := &fakeUpdates{current: "1.0.0", latest: "1.1.0", notes: "- faster startup"}
	env := newTestEnv(t, func(o *Options) { o.Updates = src })
	s := env.startSession("alice", "work")

	env.threadPost(s.ThreadID, "!update", "alice")
	assert.NotNil(t, env.fp.postContaining("⬆️ Running `1.0.0`; version `1.1.0` is available."))

	env.threadPost(s.ThreadID, "!release-notes", "alice")
	notes := env.fp.postContaining("**Release notes for 1.1.0**")
	require.NotNil(t, notes)
	assert.Contains(t, notes.content, "- faster startup")

	src.latest = "1.0.0"
	env.threadPost(s.ThreadID, "!update", "alice")
	assert.NotNil(t, env.fp.postContaining("✅ Running `1.0.0`; up to date."))
}

func TestUpdateCommandWithoutCheckerSaysDisabled(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession("alice", "work")

	env.threadPost(s.ThreadID, "!update", "alice")

	assert.NotNil(t, env.fp.postContaining("Update checks are disabled."))
}

type pluginHostFake struct {
	*fakePlatform
	reply  string
	gotSub string
	gotArg string
}

func (p *pluginHostFake) HandlePluginCommand(_ context.Context, sub, arg string) (string, error) {
	p.gotSub, p.gotArg = sub, arg
	return p.reply, nil
}

func TestPluginCommandBubblesToCapableAdapters(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession("alice", "hi")

	env.threadPost(s.ThreadID, "!plugin list", "alice")
	require.NotNil(t, env.fp.postContaining("Plugins are not supported on this platform."))

	host := &pluginHostFake{fakePlatform: env.fp, reply: "Installed plugins: none"}
	env.m.handleMessage(host, &platform.Post{
		ID:        env.nextUserPostID(),
		Message:   "!plugin install demo",
		UserID:    "uid-alice",
		Username:  "alice",
		ChannelID: "ch-1",
		ThreadID:  s.ThreadID,
	}, env.user("alice"))

	assert.Equal(t, "install", host.gotSub)
	assert.Equal(t, "demo", host.gotArg)
	require.NotNil(t, env.fp.postContaining("Installed plugins: none"))
}
