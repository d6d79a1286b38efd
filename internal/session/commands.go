package session

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/anneschuth/claude-threads-sub002/internal/command"
	"github.com/anneschuth/claude-threads-sub002/internal/common/appctx"
	"github.com/anneschuth/claude-threads-sub002/internal/common/config"
	"github.com/anneschuth/claude-threads-sub002/internal/message"
	"github.com/anneschuth/claude-threads-sub002/internal/platform"
	"github.com/anneschuth/claude-threads-sub002/internal/workspace"
)

// worktreeCtx bounds a git worktree operation and aborts it when the
// manager stops.
func (m *Manager) worktreeCtx() (context.Context, context.CancelFunc) {
	return appctx.Detached(m.stopCh, worktreeOpTimeout)
}

// dispatchSessionCommand runs a bang command against an active session.
// Kill is platform-scoped; everything else needs session access.
func (m *Manager) dispatchSessionCommand(s *Session, client platform.Client, post *platform.Post, user *platform.User, cmd command.Command) {
	username := user.Username

	if cmd.Kind == command.Kill {
		m.handleKill(client, post.RootThreadID(), username)
		return
	}

	if !s.IsUserAllowed(username) {
		s.Messages().System().Post(message.SystemWarning,
			mention(client, username)+" is not allowed to control this session.")
		return
	}
	s.Touch()
	m.log.Debug("session command",
		zap.String("session", s.Key()),
		zap.String("command", cmd.Kind.String()),
		zap.String("user", username))

	switch cmd.Kind {
	case command.Cancel:
		// cancel soft-deletes the record; no checkpoint afterwards
		m.cancelSession(s, username)
		return
	case command.Interrupt:
		m.interruptSession(s, username)
	case command.Help:
		s.Messages().System().Post(message.SystemInfo, helpText(client))
	case command.Invite:
		m.handleInvite(s, client, cmd.Arg)
	case command.Kick:
		m.handleKick(s, client, cmd.Arg)
	case command.Permissions:
		m.handlePermissions(s, client, cmd.Sub)
	case command.ChangeDir:
		m.handleChangeDir(s, client, cmd.Arg)
	case command.Worktree:
		m.handleWorktreeCommand(s, client, cmd)
	case command.Update:
		s.Messages().System().Post(message.SystemInfo, m.updateStatusText(client))
	case command.ReleaseNotes:
		m.postReleaseNotes(s, client)
	case command.Plugin:
		m.handlePlugin(s, client, cmd)
	case command.Slash:
		m.relaySlash(s, cmd)
	default:
		f := client.Formatter()
		s.Messages().System().Post(message.SystemWarning,
			"Unknown command "+f.FormatCode("!"+cmd.Raw)+". "+f.FormatCode("!help")+" lists commands.")
	}
	m.checkpoint(s)
}

// dispatchThreadCommand runs a bang command in a thread without an
// active session.
func (m *Manager) dispatchThreadCommand(client platform.Client, post *platform.Post, user *platform.User, cmd command.Command) {
	threadID := post.RootThreadID()
	f := client.Formatter()

	switch cmd.Kind {
	case command.Kill:
		m.handleKill(client, threadID, user.Username)
	case command.Help:
		m.postNotice(client, threadID, helpText(client))
	case command.Update:
		m.postNotice(client, threadID, m.updateStatusText(client))
	case command.ChangeDir:
		if !client.IsUserAllowed(user.Username) {
			m.postNotice(client, threadID,
				"🚫 "+mention(client, user.Username)+" is not allowed to set the working directory.")
			return
		}
		if cmd.Arg == "" {
			m.postNotice(client, threadID, "Usage: "+f.FormatCode("!cd <path>"))
			return
		}
		dir := config.ExpandHome(cmd.Arg)
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			m.postNotice(client, threadID, "🚫 Not a directory: "+f.FormatCode(dir))
			return
		}
		m.setPendingDir(client.ID(), threadID, dir)
		m.postNotice(client, threadID,
			"📁 The next session in this thread starts in "+f.FormatCode(dir)+".")
	case command.Worktree:
		// "!worktree switch X" in a root mention starts a session on
		// that branch rather than creating a worktree named "switch".
		if cmd.Sub == "switch" && cmd.Arg != "" {
			if !client.IsUserAllowed(user.Username) {
				m.postNotice(client, threadID,
					"🚫 "+mention(client, user.Username)+" is not allowed to start sessions.")
				return
			}
			m.startSession(client, post, user, "", cmd.Arg)
			return
		}
		m.postNotice(client, threadID,
			"No active session in this thread. Mention me with a prompt to start one.")
	default:
		m.postNotice(client, threadID,
			"No active session in this thread. Mention me with a prompt to start one.")
	}
}

func (m *Manager) handleKill(client platform.Client, threadID, username string) {
	if !client.IsUserAllowed(username) {
		m.postNotice(client, threadID,
			"🚫 "+mention(client, username)+" is not authorized to kill sessions.")
		m.log.Warn("unauthorized kill attempt", zap.String("user", username))
		return
	}
	m.KillAll(client, threadID, username)
	if m.onKill != nil {
		m.onKill()
	}
}

func (m *Manager) handleInvite(s *Session, client platform.Client, target string) {
	sys := s.Messages().System()
	if target == "" {
		sys.Post(message.SystemWarning, "Usage: "+client.Formatter().FormatCode("!invite @username"))
		return
	}
	if s.Invite(target) {
		sys.Post(message.SystemSuccess, mention(client, target)+" can now use this session.")
	} else {
		sys.Post(message.SystemInfo, mention(client, target)+" already has access.")
	}
}

func (m *Manager) handleKick(s *Session, client platform.Client, target string) {
	sys := s.Messages().System()
	if target == "" {
		sys.Post(message.SystemWarning, "Usage: "+client.Formatter().FormatCode("!kick @username"))
		return
	}
	if target == s.Owner() {
		sys.Post(message.SystemWarning, "The session owner cannot be kicked.")
		return
	}
	if s.Kick(target) {
		sys.Post(message.SystemSuccess, mention(client, target)+" no longer has access to this session.")
	} else {
		sys.Post(message.SystemInfo, mention(client, target)+" was not invited.")
	}
}

// handlePermissions tightens a session to interactive approvals. The
// reverse direction is refused: a session that already ran with
// automatic permissions cannot be trusted less retroactively, and one
// started interactive stays interactive.
func (m *Manager) handlePermissions(s *Session, client platform.Client, mode string) {
	sys := s.Messages().System()
	switch mode {
	case "interactive":
		if s.ForceInteractive() {
			sys.Post(message.SystemInfo, "Permissions are already interactive.")
			return
		}
		s.setForceInteractive(true)

		switched := false
		if r := s.Runner(); r != nil {
			if err := r.SetPermissionMode("default"); err == nil {
				switched = true
			}
		}
		if !switched && s.Runner() != nil {
			if err := m.restartAssistant(s, client); err != nil {
				sys.Post(message.SystemError,
					"Could not restart with interactive permissions: "+err.Error())
				return
			}
		}
		sys.Post(message.SystemSuccess, "🔒 Permissions are now interactive; actions need approval.")
	case "auto":
		sys.Post(message.SystemWarning,
			"Cannot upgrade a running session to automatic permissions. Start a new session for that.")
	default:
		sys.Post(message.SystemWarning, "Usage: "+client.Formatter().FormatCode("!permissions interactive"))
	}
}

// handlePlugin delegates plugin subcommands to the adapter when the
// platform has a plugin system.
func (m *Manager) handlePlugin(s *Session, client platform.Client, cmd command.Command) {
	sys := s.Messages().System()
	host, ok := client.(platform.PluginHost)
	if !ok {
		sys.Post(message.SystemWarning, "Plugins are not supported on this platform.")
		return
	}

	ctx, cancel := callCtx()
	defer cancel()
	reply, err := host.HandlePluginCommand(ctx, cmd.Sub, cmd.Arg)
	if err != nil {
		sys.Post(message.SystemError, "Plugin command failed: "+err.Error())
		return
	}
	sys.Post(message.SystemInfo, reply)
}

// handleChangeDir moves the session to another directory and restarts
// the child there, continuing the conversation.
func (m *Manager) handleChangeDir(s *Session, client platform.Client, path string) {
	sys := s.Messages().System()
	f := client.Formatter()
	if path == "" {
		sys.Post(message.SystemWarning, "Usage: "+f.FormatCode("!cd <path>"))
		return
	}

	dir := config.ExpandHome(path)
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		sys.Post(message.SystemError, "Not a directory: "+f.FormatCode(dir))
		return
	}

	if s.Worktree() != nil {
		m.releaseWorktree(s)
		s.setWorktree(nil, false)
	}
	s.setWorkingDir(dir)

	if s.Runner() != nil {
		if err := m.restartAssistant(s, client); err != nil {
			sys.Post(message.SystemError, "Could not restart in the new directory: "+err.Error())
			return
		}
	}
	sys.Post(message.SystemSuccess,
		"📁 Working directory is now "+f.FormatCode(dir)+"; the assistant continues there.")
}

func (m *Manager) handleWorktreeCommand(s *Session, client platform.Client, cmd command.Command) {
	sys := s.Messages().System()
	if m.worktrees == nil || !m.worktrees.Enabled() {
		sys.Post(message.SystemWarning, "Worktrees are disabled in the configuration.")
		return
	}

	switch cmd.Sub {
	case "list":
		m.listWorktrees(s, client)
	case "switch":
		m.switchWorktree(s, client, cmd.Arg)
	case "remove":
		m.removeWorktree(s, client, cmd.Arg)
	case "cleanup":
		ctx, cancel := m.worktreeCtx()
		inUse, err := m.worktreeInUse(ctx)
		if err != nil {
			cancel()
			sys.Post(message.SystemError, "Cleanup failed: "+err.Error())
			return
		}
		removed := m.worktrees.CleanupStale(ctx, 0, inUse)
		cancel()
		sys.Post(message.SystemSuccess, fmt.Sprintf("🧹 Removed %d unused worktrees.", removed))
	case "off":
		s.setWorktreePromptDisabled(true)
		sys.Post(message.SystemInfo,
			"Worktree prompts are off for this session; existing worktrees join silently.")
	}
}

func (m *Manager) listWorktrees(s *Session, client platform.Client) {
	sys := s.Messages().System()
	f := client.Formatter()

	ctx, cancel := m.worktreeCtx()
	infos, err := m.worktrees.List(ctx)
	cancel()
	if err != nil {
		sys.Post(message.SystemError, "Could not list worktrees: "+err.Error())
		return
	}
	if len(infos) == 0 {
		sys.Post(message.SystemInfo, "No worktrees.")
		return
	}

	cur := s.Worktree()
	var b strings.Builder
	b.WriteString("🌿 " + f.FormatBold("Worktrees"))
	for _, wt := range infos {
		line := f.FormatCode(wt.Branch) + " at " + f.FormatCode(wt.Path)
		if n := m.worktrees.RefCount(wt.Path); n > 0 {
			line += fmt.Sprintf(", %d active", n)
		}
		if cur != nil && cur.Path == wt.Path {
			line += " (this session)"
		}
		b.WriteString("\n" + f.FormatListItem(line))
	}
	sys.Post(message.SystemInfo, b.String())
}

func (m *Manager) switchWorktree(s *Session, client platform.Client, branch string) {
	sys := s.Messages().System()
	f := client.Formatter()
	if branch == "" {
		sys.Post(message.SystemWarning, "Usage: "+f.FormatCode("!worktree switch <branch>"))
		return
	}
	cur := s.Worktree()
	if cur != nil && cur.Branch == branch {
		sys.Post(message.SystemInfo, "Already on "+f.FormatCode(branch)+".")
		return
	}

	var info *workspace.Info
	owned := false
	if existing, ok := m.worktrees.Existing(branch); ok {
		info = existing
	} else {
		repoRoot := ""
		if cur != nil {
			repoRoot = cur.RepoRoot
		} else {
			ctx, cancel := m.worktreeCtx()
			root, err := workspace.RepoRoot(ctx, s.WorkingDir())
			cancel()
			if err != nil {
				sys.Post(message.SystemWarning, f.FormatCode(s.WorkingDir())+" is not a git repository.")
				return
			}
			repoRoot = root
		}

		ctx, cancel := m.worktreeCtx()
		created, err := m.worktrees.Create(ctx, repoRoot, branch)
		cancel()
		if err != nil {
			sys.Post(message.SystemError, "Could not create the worktree: "+err.Error())
			return
		}
		info = created
		owned = true
	}

	m.releaseWorktree(s)
	s.setWorktree(info, owned)
	m.worktrees.Retain(info.Path, s.Key())

	if s.Runner() != nil {
		if err := m.restartAssistant(s, client); err != nil {
			sys.Post(message.SystemError, "Could not restart in the worktree: "+err.Error())
			return
		}
	}
	sys.Post(message.SystemSuccess,
		"🌿 Now working on "+f.FormatCode(branch)+" at "+f.FormatCode(info.Path)+".")
}

func (m *Manager) removeWorktree(s *Session, client platform.Client, branch string) {
	sys := s.Messages().System()
	f := client.Formatter()
	if branch == "" {
		sys.Post(message.SystemWarning, "Usage: "+f.FormatCode("!worktree remove <branch>"))
		return
	}

	info, ok := m.worktrees.Existing(branch)
	if !ok {
		sys.Post(message.SystemWarning, "No worktree for "+f.FormatCode(branch)+".")
		return
	}

	cur := s.Worktree()
	selfHolds := cur != nil && cur.Path == info.Path
	refs := m.worktrees.RefCount(info.Path)
	if refs > 1 || (refs == 1 && !selfHolds) {
		sys.Post(message.SystemWarning, "That worktree is still used by another session.")
		return
	}

	if selfHolds {
		m.releaseWorktree(s)
		s.setWorktree(nil, false)
		s.setWorkingDir(info.RepoRoot)
	}

	ctx, cancel := m.worktreeCtx()
	err := m.worktrees.Remove(ctx, info)
	cancel()
	if err != nil {
		sys.Post(message.SystemError, "Could not remove the worktree: "+err.Error())
		return
	}

	if selfHolds && s.Runner() != nil {
		if err := m.restartAssistant(s, client); err != nil {
			sys.Post(message.SystemError, "Could not restart in "+f.FormatCode(info.RepoRoot)+": "+err.Error())
			return
		}
	}
	sys.Post(message.SystemSuccess, "🗑️ Worktree for "+f.FormatCode(branch)+" removed.")
}

func (m *Manager) updateStatusText(client platform.Client) string {
	f := client.Formatter()
	if m.updates == nil {
		return "Update checks are disabled."
	}
	current := m.updates.CurrentVersion()
	if v, _, ok := m.updates.Latest(); ok && v != current {
		return "⬆️ Running " + f.FormatCode(current) + "; version " + f.FormatCode(v) + " is available."
	}
	return "✅ Running " + f.FormatCode(current) + "; up to date."
}

func (m *Manager) postReleaseNotes(s *Session, client platform.Client) {
	sys := s.Messages().System()
	if m.updates == nil {
		sys.Post(message.SystemInfo, "Update checks are disabled.")
		return
	}
	version, notes, ok := m.updates.Latest()
	if !ok || notes == "" {
		sys.Post(message.SystemInfo, "No release notes available.")
		return
	}
	f := client.Formatter()
	sys.Post(message.SystemInfo, "📋 "+f.FormatBold("Release notes for "+version)+"\n\n"+notes)
}

// relaySlash forwards a recognized slash command to the child.
func (m *Manager) relaySlash(s *Session, cmd command.Command) {
	text := "/" + cmd.Raw
	if cmd.Arg != "" {
		text += " " + cmd.Arg
	}
	m.sendToAssistant(s, text)
}

func helpText(client platform.Client) string {
	f := client.Formatter()
	var b strings.Builder
	b.WriteString("🤖 " + f.FormatBold("Commands"))
	for _, row := range [][2]string{
		{"!stop", "cancel the session"},
		{"!escape", "interrupt the current task"},
		{"!invite @user, !kick @user", "manage who may use the session"},
		{"!permissions interactive", "require approval for actions"},
		{"!cd <path>", "change the working directory"},
		{"!worktree list|switch <branch>|remove <branch>|cleanup|off", "manage git worktrees"},
		{"!update", "show update status"},
		{"!release-notes", "show the latest release notes"},
		{"!kill", "stop every session (authorized users only)"},
	} {
		b.WriteString("\n" + f.FormatListItem(f.FormatCode(row[0])+" "+row[1]))
	}
	b.WriteString("\n\nReactions: 🛑 cancel, ✋ interrupt, 👍/👎 approve or deny, 🐛 file a bug report.")
	return b.String()
}
