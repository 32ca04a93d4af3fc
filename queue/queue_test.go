package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClaimNullAgentMapsToDefault(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "alice", Body: "hello"})
	require.NoError(t, err)

	msg, err := s.ClaimNextMessage(DefaultAgentID)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestOrderPreservationPerAgent(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "coder"})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range ids {
		msg, err := s.ClaimNextMessage("coder")
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.ExternalID)
	}
}

func TestFailMessageDeadLettersAfterMaxRetries(t *testing.T) {
	s := newTestStore(t)
	id, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "coder"})
	require.NoError(t, err)

	for i := 0; i < MaxRetries; i++ {
		msg, err := s.ClaimNextMessage("coder")
		require.NoError(t, err)
		require.NotNil(t, msg, "expected a claimable row on attempt %d", i)
		require.NoError(t, s.FailMessage(id, errors.New("boom")))
	}

	msg, err := s.getMessageByExternalID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, msg.Status)
	assert.Equal(t, MaxRetries, msg.RetryCount)

	none, err := s.ClaimNextMessage("coder")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRecoverStaleMessages(t *testing.T) {
	s := newTestStore(t)
	id, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "coder"})
	require.NoError(t, err)

	_, err = s.ClaimNextMessage("coder")
	require.NoError(t, err)

	// Simulate staleness by back-dating updated_at directly.
	past := time.Now().UTC().Add(-11 * time.Minute).Format(time.RFC3339Nano)
	_, err = s.db.Exec(`UPDATE messages SET updated_at = ? WHERE external_id = ?`, past, id)
	require.NoError(t, err)

	n, err := s.RecoverStaleMessages(10 * 60 * 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := s.ClaimNextMessage("coder")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.RetryCount)
}

func TestBootRecoveryWithZeroThresholdClearsAllInFlight(t *testing.T) {
	s := newTestStore(t)
	id, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "coder"})
	require.NoError(t, err)
	_, err = s.ClaimNextMessage("coder")
	require.NoError(t, err)

	n, err := s.RecoverStaleMessages(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := s.getMessageByExternalID(id)
	require.NoError(t, err)
	assert.NotEqual(t, StatusProcessing, msg.Status)
}

func TestAckResponseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	id, err := s.EnqueueResponse(NewResponse{MessageID: "m1", Channel: "web", Sender: "alice", Body: "done"})
	require.NoError(t, err)

	require.NoError(t, s.AckResponse(id))
	require.NoError(t, s.AckResponse(id))

	pending, err := s.PendingResponses("web")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSingleClaimUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "coder"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	claims := make([]*Message, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := s.ClaimNextMessage("coder")
			require.NoError(t, err)
			claims[i] = msg
		}(i)
	}
	wg.Wait()

	nonNil := 0
	for _, c := range claims {
		if c != nil {
			nonNil++
		}
	}
	assert.Equal(t, 1, nonNil, "exactly one claimer should have won the row")
}

func TestGetPendingAgents(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "coder"})
	require.NoError(t, err)
	_, err = s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m"})
	require.NoError(t, err)

	agents, err := s.GetPendingAgents()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"coder", DefaultAgentID}, agents)
}

func TestFIFOPerAgentParallelAcrossAgents(t *testing.T) {
	s := newTestStore(t)

	var enqueuedA, enqueuedB []string
	for i := 0; i < 10; i++ {
		idA, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "A"})
		require.NoError(t, err)
		enqueuedA = append(enqueuedA, idA)
		idB, err := s.EnqueueMessage(NewMessage{Channel: "web", Sender: "a", Body: "m", Agent: "B"})
		require.NoError(t, err)
		enqueuedB = append(enqueuedB, idB)
		time.Sleep(time.Millisecond)
	}

	var wg sync.WaitGroup
	claimAll := func(agent string, order *[]string) {
		defer wg.Done()
		for {
			msg, err := s.ClaimNextMessage(agent)
			require.NoError(t, err)
			if msg == nil {
				return
			}
			*order = append(*order, msg.ExternalID)
			require.NoError(t, s.CompleteMessage(msg.ExternalID))
		}
	}
	var claimedA, claimedB []string
	wg.Add(2)
	start := time.Now()
	go claimAll("A", &claimedA)
	go claimAll("B", &claimedB)
	wg.Wait()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, enqueuedA, claimedA)
	assert.Equal(t, enqueuedB, claimedB)
}
