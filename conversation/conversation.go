// Package conversation implements the Conversation Manager: life-cycle and
// invariants of a multi-agent team conversation (pending counter, responses
// list, pipeline state, completion), held as a guarded map of live records
// supporting fan-out/fan-in across a team rather than a single session.
package conversation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/config"
)

// DefaultMaxMessages caps fan-out amplification inside a single conversation
// absent an explicit override.
const DefaultMaxMessages = 50

// IdleTimeout is how long a conversation may sit with startTime unchanged
// before the dispatcher's maintenance sweep force-completes it.
const IdleTimeout = 30 * time.Minute

// Step is one recorded agent response within a conversation.
type Step struct {
	AgentID string
	Text    string
}

// Conversation is the live, in-memory state tracking one top-level user
// message routed to a team, including all internal follow-ups until
// completion. Exported fields are read freely by callers; mutation must
// happen only while holding mu (use Manager's methods, never touch fields
// directly from outside this package).
type Conversation struct {
	mu sync.Mutex

	ID              string
	Channel         string
	Sender          string
	SenderAddress   string
	MessageID       string // external id of the top-level message
	OriginalMessage string

	Pending          int
	Responses        []Step
	Files            map[string]struct{}
	TotalMessages    int
	MaxMessages      int
	TeamID           string
	Pipeline         *config.PipelineConfig
	StartTime        time.Time
	Completed        bool
	PipelineStep     int
	CompletedAgents  map[string]struct{}
	PipelineLoops    int
}

// NewInput carries the fields needed to start a new Conversation.
type NewInput struct {
	ID              string
	Channel         string
	Sender          string
	SenderAddress   string
	MessageID       string
	OriginalMessage string
	TeamID          string
	Pipeline        *config.PipelineConfig
	MaxMessages     int
}

func newConversation(in NewInput) *Conversation {
	maxMessages := in.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Conversation{
		ID:              in.ID,
		Channel:         in.Channel,
		Sender:          in.Sender,
		SenderAddress:   in.SenderAddress,
		MessageID:       in.MessageID,
		OriginalMessage: in.OriginalMessage,
		Pending:         1,
		Files:           map[string]struct{}{},
		MaxMessages:     maxMessages,
		TeamID:          in.TeamID,
		Pipeline:        in.Pipeline,
		StartTime:       time.Now(),
		CompletedAgents: map[string]struct{}{},
	}
}

// Snapshot is a read-only copy of a Conversation's fields, safe to pass
// around without holding the conversation's lock.
type Snapshot struct {
	ID              string
	Pending         int
	TotalMessages   int
	MaxMessages     int
	PipelineLoops   int
	PipelineStep    int
	Completed       bool
	CompletedAgents []string
}

// snapshot must be called while c.mu is held.
func (c *Conversation) snapshot() Snapshot {
	agents := make([]string, 0, len(c.CompletedAgents))
	for a := range c.CompletedAgents {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return Snapshot{
		ID:              c.ID,
		Pending:         c.Pending,
		TotalMessages:   c.TotalMessages,
		MaxMessages:      c.MaxMessages,
		PipelineLoops:   c.PipelineLoops,
		PipelineStep:    c.PipelineStep,
		Completed:       c.Completed,
		CompletedAgents: agents,
	}
}

// Snapshot returns a thread-safe read-only copy of the conversation's
// current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// aggregateResponses renders the final user-visible body. A single
// recorded step is returned verbatim; multiple steps are joined as
// "@id: text" sections separated by a "------" rule, in completion order.
func aggregateResponses(steps []Step) string {
	if len(steps) == 1 {
		return steps[0].Text
	}
	sections := make([]string, len(steps))
	for i, s := range steps {
		sections[i] = fmt.Sprintf("@%s: %s", s.AgentID, s.Text)
	}
	return strings.Join(sections, "\n\n------\n\n")
}
