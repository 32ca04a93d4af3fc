// Package router implements pure, side-effect-free parsing and resolution
// of the addressing syntax (`@agent`, `@team`, `[@mate: text]`) against a
// configuration snapshot. None of these functions perform I/O; they are
// given the snapshot's agent and team maps and return decisions for the dispatcher
// to act on, kept small and directly testable alongside the dispatcher's
// stateful pieces.
package router

import (
	"errors"
	"regexp"
	"strings"

	"github.com/agentrelay/agentrelay/config"
)

// ErrNoAgents is the error the dispatcher returns (wrapped) for a message
// when no agent at all is configured. Like any processing error it goes
// through FailMessage, so the message is dead-lettered once its retries are
// spent.
var ErrNoAgents = errors.New("router: no agents configured")

// DefaultAgentID is the fallback target when a raw message's @token does
// not resolve to any configured agent or team.
const DefaultAgentID = "default"

// channelPrefixPattern matches an optional leading "[channel/sender]: " tag.
var channelPrefixPattern = regexp.MustCompile(`^\[([^/\]]+)/([^\]]+)\]:\s*`)

// agentTokenPattern matches a leading "@token" possibly followed by a body.
var agentTokenPattern = regexp.MustCompile(`^@(\S+)\s*(.*)$`)

// mentionPattern matches inline "[@a,b,c: body]" teammate directives.
var mentionPattern = regexp.MustCompile(`\[@([^:\]]+):\s*([^\]]*)\]`)

// RoutingDecision is the result of parsing a raw inbound message.
type RoutingDecision struct {
	AgentID string
	Message string
	IsTeam  bool
	// TeamID is populated alongside IsTeam; AgentID in that case is the
	// team's leader, not the team itself.
	TeamID string
}

// ParseAgentRouting resolves the leading "@target" (optionally preceded by
// a "[channel/sender]:" context tag) against the agents and teams present
// in the snapshot. Resolution order for the token (case-insensitive): exact
// agent id, exact team id, agent display name, team display name. A team
// match routes to that team's leader with IsTeam = true. No match at all
// falls back to DefaultAgentID, keeping the raw body untouched.
func ParseAgentRouting(raw string, agents map[string]config.AgentConfig, teams map[string]config.TeamConfig) RoutingDecision {
	rest := raw
	if m := channelPrefixPattern.FindStringSubmatch(raw); m != nil {
		rest = raw[len(m[0]):]
	}

	m := agentTokenPattern.FindStringSubmatch(rest)
	if m == nil {
		return RoutingDecision{AgentID: DefaultAgentID, Message: raw}
	}

	token := m[1]
	body := m[2]
	lower := strings.ToLower(token)
	// When the token carries no trailing text and no channel prefix was
	// stripped, fall back to the raw input so the agent still sees context
	// instead of an empty prompt.
	msg := body
	if body == "" && rest == raw {
		msg = raw
	}

	if a, ok := agents[token]; ok {
		return RoutingDecision{AgentID: a.ID, Message: msg}
	}
	if t, ok := teams[token]; ok {
		return RoutingDecision{AgentID: t.Leader, Message: msg, IsTeam: true, TeamID: t.ID}
	}
	for id, a := range agents {
		if strings.ToLower(id) == lower {
			return RoutingDecision{AgentID: a.ID, Message: msg}
		}
	}
	for id, t := range teams {
		if strings.ToLower(id) == lower {
			return RoutingDecision{AgentID: t.Leader, Message: msg, IsTeam: true, TeamID: t.ID}
		}
	}
	for _, a := range agents {
		if strings.EqualFold(a.Name, token) {
			return RoutingDecision{AgentID: a.ID, Message: msg}
		}
	}
	for _, t := range teams {
		if strings.EqualFold(t.Name, token) {
			return RoutingDecision{AgentID: t.Leader, Message: msg, IsTeam: true, TeamID: t.ID}
		}
	}

	// The @token resolved to no configured agent or team: fall back to the default agent with the full raw message intact
	// (including any channel prefix), so it still sees complete context.
	return RoutingDecision{AgentID: DefaultAgentID, Message: raw}
}

// FindTeamForAgent returns the first team (in map iteration order) that
// lists agentID as a member, or ok=false if none do. Callers that need a
// deterministic choice across repeated calls should pass a snapshot whose
// team map was itself built deterministically upstream; this function does
// not impose an ordering beyond Go's map iteration.
func FindTeamForAgent(agentID string, teams map[string]config.TeamConfig) (config.TeamConfig, bool) {
	for _, t := range teams {
		for _, member := range t.Members {
			if member == agentID {
				return t, true
			}
		}
	}
	return config.TeamConfig{}, false
}

// Mention is one outgoing teammate directive extracted from a response.
type Mention struct {
	TargetAgentID string
	Message       string
}

// ExtractTeammateMentions scans response for "[@a,b,c: body]" tags. All tags
// are stripped from response to build a shared context block; each
// surviving tag target (not the current agent, a configured agent, and a
// member of teamID) yields one Mention whose message prefixes the shared
// context ahead of the directed body. Duplicate targets collapse to their
// first occurrence.
func ExtractTeammateMentions(response, currentAgentID, teamID string, teams map[string]config.TeamConfig, agents map[string]config.AgentConfig) []Mention {
	matches := mentionPattern.FindAllStringSubmatchIndex(response, -1)
	if len(matches) == 0 {
		return nil
	}

	sharedContext := stripMentions(response)

	team, ok := teams[teamID]
	memberSet := map[string]bool{}
	if ok {
		for _, m := range team.Members {
			memberSet[m] = true
		}
	}

	seen := map[string]bool{}
	var mentions []Mention
	for _, idx := range matches {
		targets := response[idx[2]:idx[3]]
		body := strings.TrimSpace(response[idx[4]:idx[5]])

		for _, target := range strings.Split(targets, ",") {
			target = strings.TrimSpace(target)
			if target == "" || target == currentAgentID || seen[target] {
				continue
			}
			if _, isAgent := agents[target]; !isAgent {
				continue
			}
			if ok && !memberSet[target] {
				continue
			}
			seen[target] = true

			message := body
			if sharedContext != "" {
				message = sharedContext + "\n\n------\n\nDirected to you:\n" + body
			}
			mentions = append(mentions, Mention{TargetAgentID: target, Message: message})
		}
	}
	return mentions
}

func stripMentions(response string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(response, ""))
}

// StripMentions is the exported form used by the conversation manager when
// assembling the final aggregated response.
func StripMentions(response string) string {
	return stripMentions(response)
}

// GetNextPipelineAgent returns the agent immediately following currentAgentID
// in pipeline's sequence, or "" if currentAgentID is last or absent.
func GetNextPipelineAgent(pipeline config.PipelineConfig, currentAgentID string) string {
	idx := indexOf(pipeline.Sequence, currentAgentID)
	if idx < 0 || idx+1 >= len(pipeline.Sequence) {
		return ""
	}
	return pipeline.Sequence[idx+1]
}

// GetPipelineLoopTarget reports whether targeting target from current counts
// as a permitted loop-back: maxLoops > 0, loopsUsed < maxLoops, and target's
// sequence index is strictly less than current's.
func GetPipelineLoopTarget(pipeline config.PipelineConfig, current, target string, loopsUsed int) bool {
	if pipeline.MaxLoops <= 0 || loopsUsed >= pipeline.MaxLoops {
		return false
	}
	currentIdx := indexOf(pipeline.Sequence, current)
	targetIdx := indexOf(pipeline.Sequence, target)
	if currentIdx < 0 || targetIdx < 0 {
		return false
	}
	return targetIdx < currentIdx
}

// FilterMentionsForPipeline keeps only mentions directed at the next-in-sequence
// agent or at a permitted loop-back target, per GetPipelineLoopTarget. All
// others are dropped; callers should log a warning for each drop.
func FilterMentionsForPipeline(mentions []Mention, pipeline config.PipelineConfig, currentAgentID string, loopsUsed int) (kept []Mention, dropped []Mention) {
	next := GetNextPipelineAgent(pipeline, currentAgentID)
	for _, m := range mentions {
		if m.TargetAgentID == next || GetPipelineLoopTarget(pipeline, currentAgentID, m.TargetAgentID, loopsUsed) {
			kept = append(kept, m)
			continue
		}
		dropped = append(dropped, m)
	}
	return kept, dropped
}

// IndexInSequence returns id's position in pipeline's sequence, or -1 if
// absent. Exposed for callers (the conversation manager) that need to
// record a loop-back target's position.
func IndexInSequence(pipeline config.PipelineConfig, id string) int {
	return indexOf(pipeline.Sequence, id)
}

func indexOf(seq []string, id string) int {
	for i, s := range seq {
		if s == id {
			return i
		}
	}
	return -1
}
