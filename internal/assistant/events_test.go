package assistant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anneschuth/claude-threads-sub002/internal/common/logger"
)

func setupNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewNormalizer(log)
}

func normalizeLine(t *testing.T, n *Normalizer, line string) []Event {
	t.Helper()
	var msg CLIMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return n.Normalize(&msg)
}

func TestNormalizerInit(t *testing.T) {
	n := setupNormalizer(t)

	events := normalizeLine(t, n, `{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet-4","slash_commands":["/compact","/review"]}`)

	require.Len(t, events, 1)
	assert.Equal(t, EventInit, events[0].Type)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "claude-sonnet-4", events[0].Model)
	assert.Equal(t, []string{"/compact", "/review"}, events[0].SlashCommands)
	assert.Equal(t, "sess-1", n.SessionID())
}

func TestNormalizerAssistantText(t *testing.T) {
	n := setupNormalizer(t)

	events := normalizeLine(t, n, `{"type":"assistant","session_id":"sess-1","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"Hello there"}],"usage":{"input_tokens":100,"output_tokens":25}}}`)

	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "Hello there", events[0].Text)

	assert.Equal(t, EventStatusUpdate, events[1].Type)
	require.NotNil(t, events[1].Status)
	assert.Equal(t, int64(100), events[1].Status.InputTokens)
	assert.Equal(t, int64(25), events[1].Status.OutputTokens)
	assert.Equal(t, "claude-sonnet-4", events[1].Status.Model)
}

func TestNormalizerToolUse(t *testing.T) {
	n := setupNormalizer(t)

	t.Run("plain tool call becomes tool use event", func(t *testing.T) {
		events := normalizeLine(t, n, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}]}}`)

		require.Len(t, events, 1)
		assert.Equal(t, EventToolUse, events[0].Type)
		assert.Equal(t, "Bash", events[0].ToolName)
		assert.Equal(t, "tu-1", events[0].ToolUseID)
		assert.Equal(t, "ls", events[0].ToolInput["command"])
	})

	t.Run("todo write becomes task list", func(t *testing.T) {
		events := normalizeLine(t, n, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-2","name":"TodoWrite","input":{"todos":[{"content":"Write tests","status":"in_progress","activeForm":"Writing tests"},{"content":"Ship it","status":"pending"}]}}]}}`)

		require.Len(t, events, 1)
		assert.Equal(t, EventTodoWrite, events[0].Type)
		require.Len(t, events[0].Tasks, 2)
		assert.Equal(t, "Write tests", events[0].Tasks[0].Content)
		assert.Equal(t, TaskInProgress, events[0].Tasks[0].Status)
		assert.Equal(t, "Writing tests", events[0].Tasks[0].ActiveForm)
		assert.Equal(t, TaskPending, events[0].Tasks[1].Status)
	})

	t.Run("question tool becomes question event", func(t *testing.T) {
		events := normalizeLine(t, n, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-3","name":"AskUserQuestion","input":{"questions":[{"header":"Deploy","question":"Which environment?","options":[{"label":"staging"},{"label":"production"}]}]}}]}}`)

		require.Len(t, events, 1)
		assert.Equal(t, EventQuestion, events[0].Type)
		require.Len(t, events[0].Questions, 1)
		assert.Equal(t, "Which environment?", events[0].Questions[0].Question)
		assert.Equal(t, []string{"staging", "production"}, events[0].Questions[0].Options)
	})

	t.Run("exit plan mode becomes plan approval", func(t *testing.T) {
		events := normalizeLine(t, n, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-4","name":"ExitPlanMode","input":{"plan":"1. Fix the bug\n2. Add a test"}}]}}`)

		require.Len(t, events, 1)
		assert.Equal(t, EventPlanApproval, events[0].Type)
		assert.Equal(t, "1. Fix the bug\n2. Add a test", events[0].PlanText)
	})
}

func TestNormalizerSubagentLifecycle(t *testing.T) {
	n := setupNormalizer(t)

	events := normalizeLine(t, n, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"task-1","name":"Task","input":{"description":"Explore the repo","subagent_type":"Explore"}}]}}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventSubagentStart, events[0].Type)
	assert.Equal(t, "Explore the repo", events[0].Description)
	assert.Equal(t, "Explore", events[0].SubagentType)

	events = normalizeLine(t, n, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"task-1","content":"Found 3 packages"}]}}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventSubagentComplete, events[0].Type)
	assert.Equal(t, "task-1", events[0].ToolUseID)
	assert.Equal(t, "Found 3 packages", events[0].ToolOutput)

	// A second result for the same id is a plain tool result again
	events = normalizeLine(t, n, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"task-1","content":"late"}]}}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventToolResult, events[0].Type)
}

func TestNormalizerToolResultContentBlocks(t *testing.T) {
	n := setupNormalizer(t)

	events := normalizeLine(t, n, `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-9","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}],"is_error":true}]}}`)

	require.Len(t, events, 1)
	assert.Equal(t, EventToolResult, events[0].Type)
	assert.True(t, events[0].IsError)
	assert.Contains(t, events[0].ToolOutput, "line one")
	assert.Contains(t, events[0].ToolOutput, "line two")
}

func TestNormalizerResult(t *testing.T) {
	t.Run("success result carries text and cost", func(t *testing.T) {
		n := setupNormalizer(t)

		events := normalizeLine(t, n, `{"type":"result","subtype":"success","session_id":"sess-1","result":"All done","total_cost_usd":0.42,"usage":{"input_tokens":2000,"output_tokens":300},"modelUsage":{"claude-sonnet-4":{"contextWindow":200000}}}`)

		require.Len(t, events, 2)
		assert.Equal(t, EventResult, events[0].Type)
		assert.Equal(t, "All done", events[0].ResultText)

		assert.Equal(t, EventStatusUpdate, events[1].Type)
		require.NotNil(t, events[1].Status)
		assert.Equal(t, 0.42, events[1].Status.CostUSD)
		assert.Equal(t, int64(200000), events[1].Status.ContextWindow)
	})

	t.Run("error result becomes error event", func(t *testing.T) {
		n := setupNormalizer(t)

		events := normalizeLine(t, n, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"credit balance too low"}`)

		require.Len(t, events, 1)
		assert.Equal(t, EventError, events[0].Type)
		assert.Equal(t, "credit balance too low", events[0].ErrorText)
	})
}

func TestNormalizerIgnoresUnknownTypes(t *testing.T) {
	n := setupNormalizer(t)

	events := normalizeLine(t, n, `{"type":"stream_event","session_id":"sess-1"}`)
	assert.Empty(t, events)
}
