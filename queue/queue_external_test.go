package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/testutil"
	"github.com/agentrelay/agentrelay/queue"
)

func TestEnqueueAndClaim(t *testing.T) {
	s, err := queue.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	id, err := s.EnqueueMessage(testutil.NewMessageBuilder("web", "alice").Body("fix bug").Agent("coder").Build())
	require.NoError(t, err)

	msg, err := s.ClaimNextMessage("coder")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ExternalID)
	assert.Equal(t, queue.StatusProcessing, msg.Status)
	assert.Equal(t, "coder", msg.ClaimedBy)

	none, err := s.ClaimNextMessage("coder")
	require.NoError(t, err)
	assert.Nil(t, none)
}
