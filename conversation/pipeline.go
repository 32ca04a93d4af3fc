package conversation

import (
	"fmt"

	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/router"
)

// ComputeOutgoingMentions applies pipeline semantics before
// EnqueueMentions is called, mutating the conversation's PipelineStep and
// PipelineLoops under its exclusive section and returning the final
// mention list to enqueue.
//
//   - No pipeline configured: rawMentions pass through unfiltered (they
//     were already restricted to valid teammates by the router's
//     extraction step).
//   - Strict pipeline: rawMentions are discarded outright. If
//     currentAgentID is not last in the sequence and totalMessages allows
//     it, one synthetic mention directed at the next sequence agent is
//     produced, wrapping the original request and the current agent's
//     output.
//   - Non-strict pipeline: rawMentions are filtered to next-in-sequence or
//     permitted loop-back targets (dropped mentions are logged). Per
//     target kept, PipelineStep advances by one for a forward target, or
//     is reset to the target's index (and PipelineLoops incremented) for a
//     loop-back, applied once per target, even when a single response
//     mentions more than one: the step counter advances per target
//     regardless of direction, rather than only for the forward-most one.
func ComputeOutgoingMentions(c *Conversation, logger logging.Logger, currentAgentID, response, originalMessage string, rawMentions []router.Mention) []router.Mention {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Pipeline == nil {
		return rawMentions
	}

	if c.Pipeline.Strict {
		next := router.GetNextPipelineAgent(*c.Pipeline, currentAgentID)
		if next == "" || c.TotalMessages >= c.MaxMessages {
			return nil
		}
		c.PipelineStep++
		body := fmt.Sprintf("[Original request]:\n%s\n\n[Output from @%s]:\n%s", originalMessage, currentAgentID, response)
		return []router.Mention{{TargetAgentID: next, Message: body}}
	}

	// Each mention is classified and applied against c.PipelineLoops/PipelineStep
	// one at a time, in order, rather than batching the keep/drop decision
	// against a single pre-loop snapshot: a response with more than one
	// loop-back mention must have the second one checked against the bound
	// as updated by the first, not against the count as it stood before any
	// of them were applied.
	next := router.GetNextPipelineAgent(*c.Pipeline, currentAgentID)
	var kept []router.Mention
	for _, m := range rawMentions {
		switch {
		case m.TargetAgentID == next:
			c.PipelineStep++
			kept = append(kept, m)
		case router.GetPipelineLoopTarget(*c.Pipeline, currentAgentID, m.TargetAgentID, c.PipelineLoops):
			c.PipelineLoops++
			c.PipelineStep = router.IndexInSequence(*c.Pipeline, m.TargetAgentID)
			kept = append(kept, m)
		default:
			logger.Warn("router: dropping pipeline mention to %s from %s, not next-in-sequence or a permitted loop-back", m.TargetAgentID, currentAgentID)
		}
	}

	return kept
}
