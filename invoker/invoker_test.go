package invoker

import (
	"context"
	"testing"

	"github.com/agentrelay/agentrelay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeDispatchesToConfiguredProvider(t *testing.T) {
	mock := NewMockBackend()
	mock.Enqueue("coder", "done")
	inv := New([]Backend{mock})

	text := inv.Invoke(context.Background(), Request{
		Agent:   config.AgentConfig{Provider: "mock"},
		AgentID: "coder",
		Prompt:  "fix bug",
	})
	assert.Equal(t, "done", text)
	require.Len(t, mock.Calls(), 1)
	assert.Equal(t, "fix bug", mock.Calls()[0].Prompt)
}

func TestInvokeSubstitutesApologyOnBackendError(t *testing.T) {
	mock := NewMockBackend()
	mock.FailNext("coder")
	inv := New([]Backend{mock})

	text := inv.Invoke(context.Background(), Request{
		Agent:   config.AgentConfig{Provider: "mock"},
		AgentID: "coder",
		Prompt:  "fix bug",
	})
	assert.Equal(t, ApologyText, text)
}

func TestInvokeSubstitutesApologyOnUnknownProvider(t *testing.T) {
	inv := New(nil)
	text := inv.Invoke(context.Background(), Request{
		Agent:   config.AgentConfig{Provider: "nonexistent"},
		AgentID: "coder",
		Prompt:  "hi",
	})
	assert.Equal(t, ApologyText, text)
}
