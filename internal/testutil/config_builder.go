package testutil

import "github.com/agentrelay/agentrelay/config"

// AgentSetBuilder provides a fluent helper for constructing the
// map[string]config.AgentConfig fixtures the router and dispatcher tests
// need repeatedly.
//
// Example:
//
//	agents := NewAgentSetBuilder().
//		Agent("coder", "Coder").
//		Agent("po", "Product Owner").
//		Build()
type AgentSetBuilder struct {
	agents map[string]config.AgentConfig
}

// NewAgentSetBuilder creates an empty AgentSetBuilder.
func NewAgentSetBuilder() *AgentSetBuilder {
	return &AgentSetBuilder{agents: map[string]config.AgentConfig{}}
}

// Agent registers an agent with the given id and display name, provider
// "mock" by default (chainable).
func (b *AgentSetBuilder) Agent(id, name string) *AgentSetBuilder {
	b.agents[id] = config.AgentConfig{ID: id, Name: name, Provider: "mock"}
	return b
}

// AgentWithProvider registers an agent with an explicit provider tag
// (chainable).
func (b *AgentSetBuilder) AgentWithProvider(id, name, provider string) *AgentSetBuilder {
	b.agents[id] = config.AgentConfig{ID: id, Name: name, Provider: provider}
	return b
}

// Build returns the constructed agent map.
func (b *AgentSetBuilder) Build() map[string]config.AgentConfig {
	return b.agents
}

// TeamBuilder provides a fluent helper for constructing one
// config.TeamConfig, optionally with a pipeline, for router/conversation
// test fixtures.
//
// Example:
//
//	team := NewTeamBuilder("dev", "Dev Team").
//		Members("po", "coder", "reviewer").
//		Leader("po").
//		Pipeline([]string{"po", "coder", "reviewer"}, true, 0).
//		Build()
type TeamBuilder struct {
	team config.TeamConfig
}

// NewTeamBuilder creates a builder for a team with the given id and display name.
func NewTeamBuilder(id, name string) *TeamBuilder {
	return &TeamBuilder{team: config.TeamConfig{ID: id, Name: name}}
}

// Members sets the team's ordered member agent ids (chainable).
func (b *TeamBuilder) Members(ids ...string) *TeamBuilder {
	b.team.Members = ids
	return b
}

// Leader sets the team's leader agent id (chainable).
func (b *TeamBuilder) Leader(id string) *TeamBuilder {
	b.team.Leader = id
	return b
}

// Pipeline attaches a pipeline configuration to the team (chainable).
func (b *TeamBuilder) Pipeline(sequence []string, strict bool, maxLoops int) *TeamBuilder {
	b.team.Pipeline = &config.PipelineConfig{Sequence: sequence, Strict: strict, MaxLoops: maxLoops}
	return b
}

// Build returns the constructed TeamConfig.
func (b *TeamBuilder) Build() config.TeamConfig {
	return b.team
}

// TeamSet bundles one or more built teams into the map[string]config.TeamConfig
// shape the router and dispatcher tests consume.
func TeamSet(teams ...config.TeamConfig) map[string]config.TeamConfig {
	out := make(map[string]config.TeamConfig, len(teams))
	for _, t := range teams {
		out[t.ID] = t
	}
	return out
}
