package agentsdk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launchShell(t *testing.T, script string) *Client {
	t.Helper()
	c, err := Launch(context.Background(), LaunchConfig{
		Command: "sh",
		Args:    []string{"-c", script},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

func TestClient_ReceivesDecodedMessages(t *testing.T) {
	c := launchShell(t, `echo '{"type":"session","session_id":"s1"}'`)

	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok)
		assert.Equal(t, "session", msg.Type())
		assert.Equal(t, "s1", msg["session_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestClient_SkipsMalformedAndUntypedLines(t *testing.T) {
	c := launchShell(t, `echo 'not json'; echo '{"no_type":true}'; echo '{"type":"complete","result":"ok"}'`)

	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok)
		assert.Equal(t, "complete", msg.Type())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestClient_ClassifiesAbnormalExit(t *testing.T) {
	c := launchShell(t, `exit 1`)

	for range c.Messages() {
	}
	select {
	case err := <-c.Exit():
		require.Error(t, err)
		assert.Equal(t, "abnormal termination", err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit classification")
	}
}

func TestClient_ClassifiesAuthFailureFromStderr(t *testing.T) {
	c := launchShell(t, `echo 'authentication failed: bad token' 1>&2; exit 1`)

	for range c.Messages() {
	}
	err := <-c.Exit()
	require.Error(t, err)
	assert.Equal(t, "authentication", err.Error())
}

func TestClient_CleanExitClassifiesNil(t *testing.T) {
	c := launchShell(t, `exit 0`)

	for range c.Messages() {
	}
	err := <-c.Exit()
	assert.NoError(t, err)
}

func TestClient_IsAliveFalseAfterExit(t *testing.T) {
	c := launchShell(t, `exit 0`)
	for range c.Messages() {
	}
	<-c.Exit()
	assert.False(t, c.IsAlive())
}

func TestClient_SendWritesToStdin(t *testing.T) {
	c := launchShell(t, `read line; echo "$line"`)
	require.NoError(t, c.Send(map[string]any{"type": "prompt", "text": "hi"}))

	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok)
		assert.Equal(t, "prompt", msg.Type())
		assert.Equal(t, "hi", msg["text"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}
