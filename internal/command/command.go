// Package command parses the bang commands users type in session
// threads. Parsing is pure: the session runtime decides what each
// command may do and in which state.
package command

import "strings"

// Kind identifies a recognized command.
type Kind int

const (
	Unknown Kind = iota
	Cancel
	Interrupt
	Help
	Invite
	Kick
	Permissions
	ChangeDir
	Worktree
	Update
	ReleaseNotes
	Plugin
	Kill
	Slash
)

func (k Kind) String() string {
	switch k {
	case Cancel:
		return "cancel"
	case Interrupt:
		return "interrupt"
	case Help:
		return "help"
	case Invite:
		return "invite"
	case Kick:
		return "kick"
	case Permissions:
		return "permissions"
	case ChangeDir:
		return "cd"
	case Worktree:
		return "worktree"
	case Update:
		return "update"
	case ReleaseNotes:
		return "release-notes"
	case Plugin:
		return "plugin"
	case Kill:
		return "kill"
	case Slash:
		return "slash"
	}
	return "unknown"
}

// Command is one parsed bang command.
type Command struct {
	Kind Kind
	Sub  string   // subcommand, for worktree/plugin/permissions
	Arg  string   // primary argument: username, path, branch, slash args
	Args []string // every token after the command name
	Raw  string   // the command name as typed, lowercased, without the bang
}

// Parse recognizes a bang command at the start of text. knownSlash
// reports whether a name relays to the assistant as a slash command; it
// may be nil. The second return is false when text is not a command at
// all.
func Parse(text string, knownSlash func(name string) bool) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Command{}, false
	}
	first := fields[0]
	if len(first) < 2 || first[0] != '!' {
		return Command{}, false
	}
	name := strings.ToLower(first[1:])
	if !validName(name) {
		return Command{}, false
	}
	rest := fields[1:]

	cmd := Command{Raw: name, Args: rest}
	switch name {
	case "stop", "cancel":
		cmd.Kind = Cancel
	case "escape", "interrupt":
		cmd.Kind = Interrupt
	case "help":
		cmd.Kind = Help
	case "invite":
		cmd.Kind = Invite
		cmd.Arg = userArg(rest)
	case "kick":
		cmd.Kind = Kick
		cmd.Arg = userArg(rest)
	case "permissions":
		cmd.Kind = Permissions
		if len(rest) > 0 {
			cmd.Sub = strings.ToLower(rest[0])
		}
	case "cd":
		cmd.Kind = ChangeDir
		cmd.Arg = strings.Join(rest, " ")
	case "worktree", "wt":
		cmd.Kind = Worktree
		parseWorktree(&cmd, rest)
	case "update":
		cmd.Kind = Update
	case "release-notes", "changelog":
		cmd.Kind = ReleaseNotes
	case "plugin":
		cmd.Kind = Plugin
		if len(rest) > 0 {
			cmd.Sub = strings.ToLower(rest[0])
			cmd.Arg = strings.Join(rest[1:], " ")
		}
	case "kill":
		cmd.Kind = Kill
	default:
		if knownSlash != nil && knownSlash(name) {
			cmd.Kind = Slash
			cmd.Arg = strings.Join(rest, " ")
		}
	}
	return cmd, true
}

// parseWorktree keeps the named subcommands apart from the bare-branch
// form: "switch X" targets branch X, while an unrecognized first token
// is itself the branch to switch to.
func parseWorktree(cmd *Command, rest []string) {
	if len(rest) == 0 {
		cmd.Sub = "list"
		return
	}
	sub := strings.ToLower(rest[0])
	switch sub {
	case "list", "cleanup", "off":
		cmd.Sub = sub
	case "switch", "remove":
		cmd.Sub = sub
		if len(rest) > 1 {
			cmd.Arg = rest[1]
		}
	default:
		cmd.Sub = "switch"
		cmd.Arg = rest[0]
	}
}

func userArg(rest []string) string {
	if len(rest) == 0 {
		return ""
	}
	return strings.TrimPrefix(rest[0], "@")
}

func validName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
