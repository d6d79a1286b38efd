package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecognizesCoreCommands(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind Kind
	}{
		{"stop", "!stop", Cancel},
		{"cancel alias", "!cancel", Cancel},
		{"escape", "!escape", Interrupt},
		{"interrupt alias", "!interrupt", Interrupt},
		{"help", "!help", Help},
		{"update", "!update", Update},
		{"release notes", "!release-notes", ReleaseNotes},
		{"changelog alias", "!changelog", ReleaseNotes},
		{"kill", "!kill", Kill},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := Parse(tt.text, nil)
			require.True(t, ok)
			assert.Equal(t, tt.kind, cmd.Kind)
		})
	}
}

func TestParseIsCaseInsensitiveOnTheCommandName(t *testing.T) {
	cmd, ok := Parse("!STOP", nil)
	require.True(t, ok)
	assert.Equal(t, Cancel, cmd.Kind)
}

func TestParseRejectsNonCommands(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"fix the tests please",
		"!",
		"!?",
		"!!!",
		"hello !stop",
	} {
		_, ok := Parse(text, nil)
		assert.False(t, ok, "text %q", text)
	}
}

func TestParseStripsTheMentionPrefixFromUsernames(t *testing.T) {
	cmd, ok := Parse("!invite @bob", nil)
	require.True(t, ok)
	assert.Equal(t, Invite, cmd.Kind)
	assert.Equal(t, "bob", cmd.Arg)

	cmd, ok = Parse("!kick carol", nil)
	require.True(t, ok)
	assert.Equal(t, Kick, cmd.Kind)
	assert.Equal(t, "carol", cmd.Arg)
}

func TestParsePermissionsCarriesTheMode(t *testing.T) {
	cmd, ok := Parse("!permissions interactive", nil)
	require.True(t, ok)
	assert.Equal(t, Permissions, cmd.Kind)
	assert.Equal(t, "interactive", cmd.Sub)

	cmd, ok = Parse("!permissions", nil)
	require.True(t, ok)
	assert.Empty(t, cmd.Sub)
}

func TestParseChangeDirKeepsSpacesInThePath(t *testing.T) {
	cmd, ok := Parse("!cd /home/dev/my project", nil)
	require.True(t, ok)
	assert.Equal(t, ChangeDir, cmd.Kind)
	assert.Equal(t, "/home/dev/my project", cmd.Arg)
}

func TestParseWorktreeSubcommands(t *testing.T) {
	tests := []struct {
		name string
		text string
		sub  string
		arg  string
	}{
		{"bare lists", "!worktree", "list", ""},
		{"list", "!worktree list", "list", ""},
		{"cleanup", "!worktree cleanup", "cleanup", ""},
		{"off", "!worktree off", "off", ""},
		{"switch names the branch", "!worktree switch feature-branch", "switch", "feature-branch"},
		{"remove names the branch", "!worktree remove old-branch", "remove", "old-branch"},
		{"bare branch switches", "!worktree feature-x", "switch", "feature-x"},
		{"wt alias", "!wt switch feature-branch", "switch", "feature-branch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := Parse(tt.text, nil)
			require.True(t, ok)
			assert.Equal(t, Worktree, cmd.Kind)
			assert.Equal(t, tt.sub, cmd.Sub)
			assert.Equal(t, tt.arg, cmd.Arg)
		})
	}
}

func TestParseWorktreeSwitchIsNotABranchNamedSwitch(t *testing.T) {
	cmd, ok := Parse("!worktree switch feature-branch", nil)
	require.True(t, ok)
	assert.Equal(t, "switch", cmd.Sub)
	assert.NotEqual(t, "switch", cmd.Arg)
	assert.Equal(t, "feature-branch", cmd.Arg)
}

func TestParsePluginCarriesSubcommandAndArgument(t *testing.T) {
	cmd, ok := Parse("!plugin install github-tools", nil)
	require.True(t, ok)
	assert.Equal(t, Plugin, cmd.Kind)
	assert.Equal(t, "install", cmd.Sub)
	assert.Equal(t, "github-tools", cmd.Arg)
}

func TestParseRelaysKnownSlashCommands(t *testing.T) {
	known := func(name string) bool { return name == "cost" || name == "compact" }

	cmd, ok := Parse("!cost", known)
	require.True(t, ok)
	assert.Equal(t, Slash, cmd.Kind)
	assert.Equal(t, "cost", cmd.Raw)

	cmd, ok = Parse("!compact focus on the tests", known)
	require.True(t, ok)
	assert.Equal(t, Slash, cmd.Kind)
	assert.Equal(t, "focus on the tests", cmd.Arg)
}

func TestParseUnknownBangIsStillACommand(t *testing.T) {
	cmd, ok := Parse("!frobnicate", nil)
	require.True(t, ok)
	assert.Equal(t, Unknown, cmd.Kind)
	assert.Equal(t, "frobnicate", cmd.Raw)
}
