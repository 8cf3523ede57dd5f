package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbroker/internal/agentsdk"
)

func collectEvents(t *testing.T, script string, req ExecuteRequest, cb *Callbacks) []Event {
	t.Helper()
	var events []Event
	cb.OnEvent = func(ev Event) { events = append(events, ev) }

	adapter := New(nil, agentsdk.LaunchConfig{Command: "sh", Args: []string{"-c", script}}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := adapter.Execute(ctx, req, *cb)
	require.NoError(t, err)
	return events
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type()
	}
	return types
}

func TestExecute_HappyPathEmitsTextAndComplete(t *testing.T) {
	script := `read _
echo '{"type":"session","session_id":"S1"}'
echo '{"type":"text_delta","text":"hi "}'
echo '{"type":"text_delta","text":"there"}'
echo '{"type":"result","success":true,"output":"done"}'
`
	events := collectEvents(t, script, ExecuteRequest{Prompt: "hi"}, &Callbacks{})

	types := eventTypes(events)
	assert.Equal(t, []string{
		"session",
		"text_start", "text_delta", "text_end",
		"text_start", "text_delta", "text_end",
		"complete",
	}, types)
	assert.Equal(t, "done", events[len(events)-1]["result"])

	firstCard := events[1]["card_id"]
	secondCard := events[4]["card_id"]
	assert.NotEmpty(t, firstCard)
	assert.NotEmpty(t, secondCard)
	assert.NotEqual(t, firstCard, secondCard, "each TEXT_DELTA should open its own card")
}

func TestExecute_ToolUseJoinsResultByToolUseID(t *testing.T) {
	script := `read _
echo '{"type":"text_delta","text":"thinking"}'
echo '{"type":"tool_use","tool_use_id":"t1","tool_name":"bash","tool_input":{"command":"ls"}}'
echo '{"type":"tool_result","tool_use_id":"t1","result":"file.txt","is_error":false}'
echo '{"type":"result","success":true,"output":"ok"}'
`
	events := collectEvents(t, script, ExecuteRequest{Prompt: "hi"}, &Callbacks{})

	var toolStart, toolResult, textStart Event
	for _, e := range events {
		switch e.Type() {
		case "tool_start":
			toolStart = e
		case "tool_result":
			toolResult = e
		case "text_start":
			textStart = e
		}
	}
	require.NotNil(t, toolStart)
	require.NotNil(t, toolResult)
	assert.Equal(t, textStart["card_id"], toolStart["card_id"])
	assert.Equal(t, toolStart["card_id"], toolResult["card_id"])
	assert.Equal(t, "bash", toolResult["tool_name"])
}

func TestExecute_ErrorResultEmitsErrorEvent(t *testing.T) {
	script := `read _
echo '{"type":"result","success":false,"error":"boom"}'
`
	events := collectEvents(t, script, ExecuteRequest{Prompt: "hi"}, &Callbacks{})
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type())
	assert.Equal(t, "boom", events[0]["message"])
}

func TestExecute_ProcessExitWithoutResultEmitsError(t *testing.T) {
	script := `read _
exit 1
`
	events := collectEvents(t, script, ExecuteRequest{Prompt: "hi"}, &Callbacks{})
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type())
}

func TestExecute_OnSessionFiresOnce(t *testing.T) {
	script := `read _
echo '{"type":"session","session_id":"S1"}'
echo '{"type":"result","success":true,"output":"done"}'
`
	var calls int
	cb := &Callbacks{OnSession: func(sessionID string) {
		calls++
		assert.Equal(t, "S1", sessionID)
	}}
	collectEvents(t, script, ExecuteRequest{Prompt: "hi"}, cb)
	assert.Equal(t, 1, calls)
}

func TestTruncateToolInput_LeavesSmallInputUntouched(t *testing.T) {
	small := map[string]any{"command": "ls"}
	assert.Equal(t, small, truncateToolInput(small))
}

func TestTruncateToolInput_MarksOversizedInput(t *testing.T) {
	big := map[string]any{"data": string(make([]byte, 3000))}
	result := truncateToolInput(big)
	marked, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, marked, "_truncated")
}
