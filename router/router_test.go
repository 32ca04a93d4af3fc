package router

import (
	"testing"

	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func testAgents() map[string]config.AgentConfig {
	return testutil.NewAgentSetBuilder().
		Agent("coder", "Coder").
		Agent("po", "Product Owner").
		Agent("reviewer", "Reviewer").
		Build()
}

func testTeams() map[string]config.TeamConfig {
	return testutil.TeamSet(
		testutil.NewTeamBuilder("dev", "Dev Team").
			Members("po", "coder", "reviewer").
			Leader("po").
			Pipeline([]string{"po", "coder", "reviewer"}, true, 2).
			Build(),
	)
}

func TestParseAgentRoutingExactID(t *testing.T) {
	d := ParseAgentRouting("@coder fix bug", testAgents(), testTeams())
	assert.Equal(t, "coder", d.AgentID)
	assert.Equal(t, "fix bug", d.Message)
	assert.False(t, d.IsTeam)
}

func TestParseAgentRoutingTeamResolvesToLeader(t *testing.T) {
	d := ParseAgentRouting("@dev build feature X", testAgents(), testTeams())
	assert.Equal(t, "po", d.AgentID)
	assert.True(t, d.IsTeam)
	assert.Equal(t, "build feature X", d.Message)
}

func TestParseAgentRoutingByDisplayName(t *testing.T) {
	d := ParseAgentRouting("@Reviewer please look", testAgents(), testTeams())
	assert.Equal(t, "reviewer", d.AgentID)
}

func TestParseAgentRoutingNoMatchFallsBackToDefault(t *testing.T) {
	d := ParseAgentRouting("@nobody hello", testAgents(), testTeams())
	assert.Equal(t, DefaultAgentID, d.AgentID)
}

func TestParseAgentRoutingUnresolvedTokenKeepsFullRawMessage(t *testing.T) {
	d := ParseAgentRouting("@nobody please take a look at this", testAgents(), testTeams())
	assert.Equal(t, DefaultAgentID, d.AgentID)
	assert.Equal(t, "@nobody please take a look at this", d.Message, "an unresolved @token must not drop any of the raw message")
}

func TestParseAgentRoutingMatchedTokenWithEmptyBodyKeepsRawMessage(t *testing.T) {
	d := ParseAgentRouting("@coder", testAgents(), testTeams())
	assert.Equal(t, "coder", d.AgentID)
	assert.Equal(t, "@coder", d.Message, "a matched token with no trailing text must keep the raw message as context")
}

func TestParseAgentRoutingMatchedTokenWithChannelPrefixAndEmptyBodyDropsBody(t *testing.T) {
	d := ParseAgentRouting("[slack/alice]: @coder", testAgents(), testTeams())
	assert.Equal(t, "coder", d.AgentID)
	assert.Equal(t, "", d.Message, "a channel prefix was stripped, so the empty body is not replaced by the raw input")
}

func TestParseAgentRoutingNoTokenKeepsRawMessage(t *testing.T) {
	d := ParseAgentRouting("just a plain message", testAgents(), testTeams())
	assert.Equal(t, DefaultAgentID, d.AgentID)
	assert.Equal(t, "just a plain message", d.Message)
}

func TestParseAgentRoutingChannelPrefixPreserved(t *testing.T) {
	d := ParseAgentRouting("[slack/alice]: @coder fix it", testAgents(), testTeams())
	assert.Equal(t, "coder", d.AgentID)
	assert.Equal(t, "fix it", d.Message)
}

func TestExtractTeammateMentionsSplitsAndDedupes(t *testing.T) {
	response := "Working on it. [@coder,reviewer: please help] extra text [@coder: again]"
	mentions := ExtractTeammateMentions(response, "po", "dev", testTeams(), testAgents())

	assert.Len(t, mentions, 2)
	targets := []string{mentions[0].TargetAgentID, mentions[1].TargetAgentID}
	assert.ElementsMatch(t, []string{"coder", "reviewer"}, targets)
	for _, m := range mentions {
		assert.Contains(t, m.Message, "Directed to you:")
		assert.Contains(t, m.Message, "please help")
	}
}

func TestExtractTeammateMentionsExcludesSelfAndNonMembers(t *testing.T) {
	response := "[@po: loop back] [@stranger: hi]"
	mentions := ExtractTeammateMentions(response, "po", "dev", testTeams(), testAgents())
	assert.Empty(t, mentions)
}

func TestGetNextPipelineAgent(t *testing.T) {
	p := *testTeams()["dev"].Pipeline
	assert.Equal(t, "coder", GetNextPipelineAgent(p, "po"))
	assert.Equal(t, "reviewer", GetNextPipelineAgent(p, "coder"))
	assert.Equal(t, "", GetNextPipelineAgent(p, "reviewer"))
}

func TestGetPipelineLoopTarget(t *testing.T) {
	p := *testTeams()["dev"].Pipeline
	assert.True(t, GetPipelineLoopTarget(p, "reviewer", "coder", 0))
	assert.False(t, GetPipelineLoopTarget(p, "coder", "reviewer", 0), "forward target is not a loop-back")
	assert.False(t, GetPipelineLoopTarget(p, "reviewer", "coder", 2), "loopsUsed >= maxLoops blocks the loop")
}

func TestFilterMentionsForPipelineBlocksSkip(t *testing.T) {
	p := *testTeams()["dev"].Pipeline
	mentions := []Mention{{TargetAgentID: "reviewer", Message: "skip coder"}}
	kept, dropped := FilterMentionsForPipeline(mentions, p, "po", 0)
	assert.Empty(t, kept)
	assert.Len(t, dropped, 1)
}

func TestFilterMentionsForPipelineAllowsNextAndLoopBack(t *testing.T) {
	p := *testTeams()["dev"].Pipeline
	mentions := []Mention{
		{TargetAgentID: "reviewer", Message: "next"},
		{TargetAgentID: "po", Message: "loop"},
	}
	kept, _ := FilterMentionsForPipeline(mentions, p, "coder", 0)
	assert.Len(t, kept, 2)
}
