package conversation

import (
	"testing"

	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/queue"
	"github.com/agentrelay/agentrelay/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *queue.Store) {
	t.Helper()
	store, err := queue.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bus := eventbus.New()
	return New(store, bus, func(o *Options) { o.Workspace = t.TempDir() }), store
}

func strictPipeline() *config.PipelineConfig {
	return &config.PipelineConfig{Sequence: []string{"po", "coder", "reviewer"}, Strict: true, MaxLoops: 0}
}

func nonStrictPipeline() *config.PipelineConfig {
	return &config.PipelineConfig{Sequence: []string{"po", "coder", "reviewer"}, Strict: false, MaxLoops: 2}
}

func TestStrictPipelineSynthesizesSingleForwardMention(t *testing.T) {
	mgr, _ := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c1", Channel: "web", MessageID: "m1", OriginalMessage: "build feature X", TeamID: "dev", Pipeline: strictPipeline()})

	mgr.RecordStep(c, "po", "story")
	mentions := ComputeOutgoingMentions(c, logging.NoOpLogger{}, "po", "story", "build feature X", nil)

	require.Len(t, mentions, 1)
	assert.Equal(t, "coder", mentions[0].TargetAgentID)
	assert.Contains(t, mentions[0].Message, "[Original request]:")
	assert.Contains(t, mentions[0].Message, "build feature X")
	assert.Contains(t, mentions[0].Message, "[Output from @po]:")
	assert.Contains(t, mentions[0].Message, "story")

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.PipelineStep)
}

func TestStrictPipelineLastAgentProducesNoMention(t *testing.T) {
	mgr, _ := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c2", Channel: "web", MessageID: "m1", TeamID: "dev", Pipeline: strictPipeline()})
	mgr.RecordStep(c, "reviewer", "approved")
	mentions := ComputeOutgoingMentions(c, logging.NoOpLogger{}, "reviewer", "approved", "x", nil)
	assert.Empty(t, mentions)
}

func TestNonStrictLoopBackAdvancesLoopCounter(t *testing.T) {
	mgr, _ := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c3", Channel: "web", MessageID: "m1", TeamID: "dev", Pipeline: nonStrictPipeline()})

	raw := []router.Mention{{TargetAgentID: "coder", Message: "needs tests"}}
	mentions := ComputeOutgoingMentions(c, logging.NoOpLogger{}, "reviewer", "needs tests", "x", raw)

	require.Len(t, mentions, 1)
	snap := c.Snapshot()
	assert.Equal(t, 1, snap.PipelineLoops)
	assert.Equal(t, 1, snap.PipelineStep) // reset to coder's index
}

func TestNonStrictDropsSecondLoopBackBeyondMaxLoops(t *testing.T) {
	mgr, _ := newTestManager(t)
	pipeline := &config.PipelineConfig{Sequence: []string{"po", "coder", "reviewer"}, Strict: false, MaxLoops: 1}
	c := mgr.StartConversation(NewInput{ID: "c3b", Channel: "web", MessageID: "m1", TeamID: "dev", Pipeline: pipeline})

	raw := []router.Mention{
		{TargetAgentID: "po", Message: "loop back first"},
		{TargetAgentID: "coder", Message: "loop back second, over budget"},
	}
	mentions := ComputeOutgoingMentions(c, logging.NoOpLogger{}, "reviewer", "combined response", "x", raw)

	require.Len(t, mentions, 1, "the second loop-back must be dropped once the budget is spent by the first")
	assert.Equal(t, "po", mentions[0].TargetAgentID)

	snap := c.Snapshot()
	assert.Equal(t, 1, snap.PipelineLoops)
	assert.Equal(t, 0, snap.PipelineStep, "step must reflect the accepted loop-back target, not the dropped one")
}

func TestNonStrictBlocksSkipAhead(t *testing.T) {
	mgr, _ := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c4", Channel: "web", MessageID: "m1", TeamID: "dev", Pipeline: nonStrictPipeline()})

	raw := []router.Mention{{TargetAgentID: "reviewer", Message: "skip coder"}}
	mentions := ComputeOutgoingMentions(c, logging.NoOpLogger{}, "po", "skip coder", "x", raw)
	assert.Empty(t, mentions)
}

func TestCompleteBranchClampsAtZeroAndIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c5", Channel: "web", MessageID: "m1"})

	done := mgr.CompleteBranch(c)
	assert.True(t, done)
	done = mgr.CompleteBranch(c)
	assert.True(t, done)
	assert.Equal(t, 0, c.Snapshot().Pending)
}

func TestCompleteAggregatesMultiStepResponses(t *testing.T) {
	mgr, store := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c6", Channel: "web", Sender: "alice", MessageID: "m1", OriginalMessage: "build feature X"})
	mgr.RecordStep(c, "po", "story")
	mgr.RecordStep(c, "coder", "impl")
	mgr.RecordStep(c, "reviewer", "approved")

	require.NoError(t, mgr.Complete(c))

	pending, err := store.PendingResponses("web")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Body, "@po: story")
	assert.Contains(t, pending[0].Body, "@coder: impl")
	assert.Contains(t, pending[0].Body, "@reviewer: approved")
	assert.Contains(t, pending[0].Body, "------")

	_, err = mgr.Get(c.ID)
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestCompleteIsIdempotent(t *testing.T) {
	mgr, store := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c7", Channel: "web", MessageID: "m1"})
	mgr.RecordStep(c, "coder", "done")

	require.NoError(t, mgr.Complete(c))
	require.NoError(t, mgr.Complete(c))

	responses, err := store.RecentResponses(nil, 10)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
}

func TestCompletePromotesLongResponseToFile(t *testing.T) {
	mgr, store := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c8", Channel: "web", MessageID: "m1"})

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	mgr.RecordStep(c, "coder", string(long))

	require.NoError(t, mgr.Complete(c))

	responses, err := store.RecentResponses(nil, 10)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.LessOrEqual(t, len(responses[0].Body), LongResponseThreshold+100)
	require.Len(t, responses[0].Files, 1)
}

func TestEnqueueMentionsDropsWhenMaxMessagesReached(t *testing.T) {
	mgr, _ := newTestManager(t)
	c := mgr.StartConversation(NewInput{ID: "c9", Channel: "web", MessageID: "m1", MaxMessages: 1})
	c.TotalMessages = 1

	n, err := mgr.EnqueueMentions(c, "po", []router.Mention{{TargetAgentID: "coder", Message: "go"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
