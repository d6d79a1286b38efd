//go:build !windows

package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCLI builds options that run a shell script instead of the real CLI.
func fakeCLI(script string) Options {
	return Options{
		Binary:    "sh",
		ExtraArgs: []string{"-c", script},
	}
}

func waitEvent(t *testing.T, a *Assistant) Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitClosed(t *testing.T, a *Assistant) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-a.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream did not close")
		}
	}
}

func TestAssistantStreamsInitEvent(t *testing.T) {
	log := newStreamTestLogger(t)
	a := New(fakeCLI(`echo '{"type":"system","subtype":"init","session_id":"s1","model":"claude-sonnet-4","slash_commands":["/compact"]}'; cat >/dev/null`), log)

	require.NoError(t, a.Start(context.Background()))

	ev := waitEvent(t, a)
	assert.Equal(t, EventInit, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "s1", a.SessionID())
	assert.Contains(t, a.SlashCommands(), "/compact")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	waitClosed(t, a)
}

func TestAssistantReportsUnexpectedExit(t *testing.T) {
	log := newStreamTestLogger(t)
	a := New(fakeCLI(`echo 'Invalid API key' >&2; sleep 0.3; exit 1`), log)

	require.NoError(t, a.Start(context.Background()))

	ev := waitEvent(t, a)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.ErrorText, "exit code 1")
	assert.Contains(t, ev.ErrorText, "Invalid API key")
	waitClosed(t, a)
}

func TestAssistantCleanStopEmitsNoError(t *testing.T) {
	log := newStreamTestLogger(t)
	a := New(fakeCLI(`cat >/dev/null`), log)

	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	for ev := range a.Events() {
		assert.NotEqual(t, EventError, ev.Type, "clean stop should not produce an error event")
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Options{
		SkipPermissions: true,
		Model:           "claude-sonnet-4",
		ResumeSessionID: "abc",
		ExtraArgs:       []string{"--add-dir", "/tmp"},
	})

	assert.Equal(t, []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--model", "claude-sonnet-4",
		"--resume", "abc",
		"--add-dir", "/tmp",
	}, args)
}
