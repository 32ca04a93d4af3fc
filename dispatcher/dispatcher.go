// Package dispatcher implements the Dispatcher (C6): it polls the Queue
// Store for pending work, claims messages per agent, and runs each through
// the Router, the Agent Invoker and the Conversation Manager while
// respecting a strict per-agent FIFO and full concurrency across distinct
// agent ids. It also owns the periodic maintenance sweeps (stale recovery,
// idle-conversation force-completion, pruning), scheduled with
// robfig/cron/v3, running as many independent per-agent chains rather than
// a single invocation loop.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/conversation"
	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/agentrelay/agentrelay/invoker"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/queue"
	"github.com/agentrelay/agentrelay/router"
)

// StaleThreshold is the default age beyond which a processing row is
// reclaimed by the maintenance sweep.
const StaleThreshold = 10 * time.Minute

// PruneAge is how long completed messages and acked responses are retained
// before the hourly prune sweep deletes them.
const PruneAge = 24 * time.Hour

// chainBacklog bounds how many claimed-but-not-yet-processed messages may
// queue up behind a single agent's in-flight task. The claim loop already
// guarantees at most one row per agent is pulled per dispatch tick, so this
// only needs to absorb bursts of internal (teammate) messages.
const chainBacklog = 4096

// pollInterval is the fallback cadence at which Dispatcher re-checks the
// queue even absent a message_enqueued event, guarding against a missed or
// coalesced event-bus notification.
const pollInterval = 2 * time.Second

var sendFilePattern = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)

// dispatchStepLogger is an optional capability of a logging.Logger: when the
// configured logger implements it, runChain records each settled per-agent
// chain step through it in addition to the generic Debug/Error lines.
type dispatchStepLogger interface {
	LogDispatchStep(agentID, messageID string, dur time.Duration, outcome string)
}

// Dispatcher wires the Queue Store, Config Provider, Router, Agent Invoker,
// Conversation Manager and Event Bus together into the per-agent FIFO
// dispatch loop described in the component design.
type Dispatcher struct {
	store   *queue.Store
	cfg     *config.Provider
	bus     *eventbus.Bus
	convMgr *conversation.Manager
	invoker *invoker.Invoker
	logger  logging.Logger

	mu     sync.Mutex
	chains map[string]chan *queue.Message

	cron *cron.Cron

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options configures Dispatcher construction.
type Options struct {
	Logger logging.Logger
}

// New constructs a Dispatcher. Call Start to begin processing.
func New(store *queue.Store, cfg *config.Provider, bus *eventbus.Bus, convMgr *conversation.Manager, inv *invoker.Invoker, optFns ...func(*Options)) *Dispatcher {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Dispatcher{
		store:   store,
		cfg:     cfg,
		bus:     bus,
		convMgr: convMgr,
		invoker: inv,
		logger:  opts.Logger,
		chains:  make(map[string]chan *queue.Message),
		stopCh:  make(chan struct{}),
	}
}

func (d *Dispatcher) publish(t eventbus.Type, fn func(*eventbus.Event)) {
	ev := eventbus.NewEvent(t)
	if fn != nil {
		fn(&ev)
	}
	d.bus.Publish(ev)
}

// Start runs the boot-time stale recovery, begins the event-driven wake
// loop with a polling fallback, and schedules periodic maintenance. It
// returns once the background goroutines have been launched; call Stop to
// drain and shut down.
func (d *Dispatcher) Start(ctx context.Context) error {
	if n, err := d.store.RecoverStaleMessages(0); err != nil {
		return fmt.Errorf("dispatcher: boot recovery: %w", err)
	} else if n > 0 {
		d.logger.Info("dispatcher: boot recovery reclaimed %d in-flight message(s)", n)
	}

	d.publish(eventbus.ProcessorStart, nil)

	sub, unsubscribe := d.bus.Subscribe()
	d.wg.Add(1)
	go d.wakeLoop(ctx, sub, unsubscribe)

	d.cron = cron.New()
	if _, err := d.cron.AddFunc("@every 5m", func() { d.recoverStale() }); err != nil {
		return fmt.Errorf("dispatcher: schedule stale recovery: %w", err)
	}
	if _, err := d.cron.AddFunc("@every 30m", func() { d.sweepConversations() }); err != nil {
		return fmt.Errorf("dispatcher: schedule conversation sweep: %w", err)
	}
	if _, err := d.cron.AddFunc("@every 1h", func() { d.prune() }); err != nil {
		return fmt.Errorf("dispatcher: schedule prune: %w", err)
	}
	d.cron.Start()

	d.dispatchOnce(ctx)

	return nil
}

// Stop drains in-flight per-agent chains and halts the cron scheduler. It
// blocks until every chain worker has settled its current task.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.cron != nil {
			<-d.cron.Stop().Done()
		}
		d.mu.Lock()
		for _, ch := range d.chains {
			close(ch)
		}
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *Dispatcher) recoverStale() {
	n, err := d.store.RecoverStaleMessages(StaleThreshold.Milliseconds())
	if err != nil {
		d.logger.Error("dispatcher: stale recovery failed err=%v", err)
		return
	}
	if n > 0 {
		d.logger.Info("dispatcher: stale recovery reclaimed %d message(s)", n)
	}
}

func (d *Dispatcher) sweepConversations() {
	n := d.convMgr.SweepIdle()
	if n > 0 {
		d.logger.Info("dispatcher: idle sweep force-completed %d conversation(s)", n)
	}
}

func (d *Dispatcher) prune() {
	if n, err := d.store.PruneCompletedMessages(PruneAge.Milliseconds()); err != nil {
		d.logger.Error("dispatcher: prune completed messages failed err=%v", err)
	} else if n > 0 {
		d.logger.Debug("dispatcher: pruned %d completed message(s)", n)
	}
	if n, err := d.store.PruneAckedResponses(PruneAge.Milliseconds()); err != nil {
		d.logger.Error("dispatcher: prune acked responses failed err=%v", err)
	} else if n > 0 {
		d.logger.Debug("dispatcher: pruned %d acked response(s)", n)
	}
}

func (d *Dispatcher) wakeLoop(ctx context.Context, sub <-chan eventbus.Event, unsubscribe func()) {
	defer d.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type == eventbus.MessageEnqueued {
				d.dispatchOnce(ctx)
			}
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce claims at most one pending message per distinct pending
// agent id and appends each onto that agent's FIFO chain.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	agents, err := d.store.GetPendingAgents()
	if err != nil {
		d.logger.Error("dispatcher: get pending agents failed err=%v", err)
		return
	}

	for _, agentID := range agents {
		msg, err := d.store.ClaimNextMessage(agentID)
		if err != nil {
			d.logger.Error("dispatcher: claim failed agent=%s err=%v", agentID, err)
			continue
		}
		if msg == nil {
			continue
		}
		d.enqueueOnChain(ctx, agentID, msg)
	}
}

func (d *Dispatcher) enqueueOnChain(ctx context.Context, agentID string, msg *queue.Message) {
	// The send happens under d.mu so Stop cannot close the chain in between.
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.stopCh:
		// Stop is closing the chains; the claimed row stays in processing
		// until the next boot-time stale recovery returns it to pending.
		d.logger.Warn("dispatcher: stopping, leaving claimed message agent=%s message_id=%s", agentID, msg.ExternalID)
		return
	default:
	}
	ch, exists := d.chains[agentID]
	if !exists {
		ch = make(chan *queue.Message, chainBacklog)
		d.chains[agentID] = ch
		d.wg.Add(1)
		go d.runChain(ctx, agentID, ch)
	}

	select {
	case ch <- msg:
	default:
		d.logger.Error("dispatcher: chain backlog full, failing message agent=%s message_id=%s", agentID, msg.ExternalID)
		_ = d.store.FailMessage(msg.ExternalID, fmt.Errorf("dispatcher: per-agent chain backlog exceeded"))
	}
}

// runChain is the per-agent FIFO worker: at most one message for agentID is
// ever being processed at a time, guaranteeing a single in-flight task per
// agent chain. Distinct agent ids run on distinct goroutines and are
// therefore fully concurrent with one another.
func (d *Dispatcher) runChain(ctx context.Context, agentID string, ch chan *queue.Message) {
	defer d.wg.Done()
	for msg := range ch {
		start := time.Now()
		outcome := "completed"
		if err := d.process(ctx, agentID, msg); err != nil {
			outcome = "failed"
			d.logger.Error("dispatcher: processing failed agent=%s message_id=%s err=%v", agentID, msg.ExternalID, err)
			if failErr := d.store.FailMessage(msg.ExternalID, err); failErr != nil {
				d.logger.Error("dispatcher: failMessage itself failed agent=%s message_id=%s err=%v", agentID, msg.ExternalID, failErr)
			}
		}
		dur := time.Since(start)
		d.logger.Debug("dispatcher: chain step settled agent=%s message_id=%s duration=%s", agentID, msg.ExternalID, dur)
		if l, ok := d.logger.(dispatchStepLogger); ok {
			l.LogDispatchStep(agentID, msg.ExternalID, dur, outcome)
		}

		// A settled step may have left another message pending for this (or
		// another) agent that the claim loop had not yet reached; re-poll
		// immediately rather than waiting on the next event or tick.
		d.dispatchOnce(ctx)
	}
}

// process implements the per-message algorithm: decode and load config,
// resolve the target agent and team context, apply the pipeline-leader
// override, honor a pending reset flag, invoke the agent, and settle the
// message down either the single-agent-reply path or the team-context
// path. Any error returned here is surfaced by the caller via FailMessage.
func (d *Dispatcher) process(ctx context.Context, claimedAgentID string, msg *queue.Message) error {
	snap := d.cfg.Snapshot()

	d.publish(eventbus.MessageReceived, func(e *eventbus.Event) {
		e.MessageID = msg.ExternalID
		e.AgentID = claimedAgentID
	})

	agentID := msg.Agent
	body := msg.Body
	isTeam := false
	teamID := ""

	if agentID == "" {
		decision := router.ParseAgentRouting(msg.Body, snap.Agents, snap.Teams)
		agentID = decision.AgentID
		body = decision.Message
		isTeam = decision.IsTeam
		teamID = decision.TeamID
	}

	isInternal := msg.ConversationID != ""

	var conv *conversation.Conversation
	if isInternal {
		c, err := d.convMgr.Get(msg.ConversationID)
		if err != nil {
			return fmt.Errorf("dispatcher: internal message references unknown conversation %s: %w", msg.ConversationID, err)
		}
		conv = c
		teamID = conv.TeamID
	} else if isTeam {
		if teamID == "" {
			if t, ok := router.FindTeamForAgent(agentID, snap.Teams); ok {
				teamID = t.ID
			}
		}
	} else if t, ok := router.FindTeamForAgent(agentID, snap.Teams); ok {
		teamID = t.ID
	}

	// Pipeline leader override: only for the initial external message
	// explicitly addressed to a team that has a pipeline.
	if !isInternal && isTeam && teamID != "" {
		if team, ok := snap.Teams[teamID]; ok && team.Pipeline != nil && len(team.Pipeline.Sequence) > 0 {
			agentID = team.Pipeline.Sequence[0]
		}
	}

	agentCfg, hasAgent := snap.Agents[agentID]
	if !hasAgent {
		if fallback, ok := snap.Agents[router.DefaultAgentID]; ok {
			agentID = router.DefaultAgentID
			agentCfg = fallback
		} else if len(snap.Agents) > 0 {
			for id, a := range snap.Agents {
				agentID, agentCfg = id, a
				break
			}
		} else {
			return fmt.Errorf("dispatcher: %w", router.ErrNoAgents)
		}
	}

	reset := false
	if snap.Workspace != "" {
		flagPath := filepath.Join(snap.Workspace, agentID, "reset_flag")
		if _, err := os.Stat(flagPath); err == nil {
			reset = true
			_ = os.Remove(flagPath)
		}
	}

	if isInternal && conv != nil {
		if trailer := conversation.PendingTeammatesTrailer(conv); trailer != "" {
			body += trailer
		}
	}

	d.publish(eventbus.AgentRouted, func(e *eventbus.Event) {
		e.MessageID = msg.ExternalID
		e.AgentID = agentID
		e.TeamID = teamID
	})
	d.publish(eventbus.ChainStepStart, func(e *eventbus.Event) {
		e.MessageID = msg.ExternalID
		e.AgentID = agentID
	})

	responseText := d.invoker.Invoke(ctx, invoker.Request{
		Agent:      agentCfg,
		AgentID:    agentID,
		Prompt:     body,
		WorkingDir: filepath.Join(snap.Workspace, agentID),
		Reset:      reset,
	})

	d.publish(eventbus.ChainStepDone, func(e *eventbus.Event) {
		e.MessageID = msg.ExternalID
		e.AgentID = agentID
		e.ResponseLength = len(responseText)
	})

	if teamID == "" {
		return d.completeSingleAgentReply(msg, agentID, responseText, snap.Workspace)
	}

	return d.completeTeamStep(conv, msg, snap, agentID, teamID, responseText)
}

func (d *Dispatcher) completeSingleAgentReply(msg *queue.Message, agentID, responseText, workspace string) error {
	body, files := extractSendFiles(responseText)
	body, truncFiles, err := truncateIfLong(body, msg.ExternalID, workspace)
	if err != nil {
		d.logger.Error("dispatcher: failed to persist long response message_id=%s err=%v", msg.ExternalID, err)
	}
	files = append(files, truncFiles...)

	if _, err := d.store.EnqueueResponse(queue.NewResponse{
		MessageID:       msg.ExternalID,
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		SenderAddress:   msg.SenderAddress,
		Body:            body,
		OriginalMessage: msg.Body,
		FromAgent:       agentID,
		Files:           files,
	}); err != nil {
		return fmt.Errorf("dispatcher: enqueue response: %w", err)
	}
	d.publish(eventbus.ResponseReady, func(e *eventbus.Event) {
		e.MessageID = msg.ExternalID
		e.ResponseLength = len(body)
	})
	return d.store.CompleteMessage(msg.ExternalID)
}

func (d *Dispatcher) completeTeamStep(conv *conversation.Conversation, msg *queue.Message, snap config.Snapshot, agentID, teamID, responseText string) error {
	if conv == nil {
		conversationID := msg.ExternalID
		conv = d.convMgr.GetOrStart(conversationID, conversation.NewInput{
			ID:              conversationID,
			Channel:         msg.Channel,
			Sender:          msg.Sender,
			SenderAddress:   msg.SenderAddress,
			MessageID:       msg.ExternalID,
			OriginalMessage: msg.Body,
			TeamID:          teamID,
			Pipeline:        teamPipeline(snap, teamID),
		})
		d.publish(eventbus.TeamChainStart, func(e *eventbus.Event) {
			e.TeamID = teamID
			e.MessageID = msg.ExternalID
		})
	}

	d.convMgr.RecordStep(conv, agentID, responseText)

	raw := router.ExtractTeammateMentions(responseText, agentID, teamID, snap.Teams, snap.Agents)
	mentions := conversation.ComputeOutgoingMentions(conv, d.logger, agentID, responseText, conv.OriginalMessage, raw)

	if conv.Pipeline != nil {
		cs := conv.Snapshot()
		d.publish(eventbus.PipelineStep, func(e *eventbus.Event) {
			e.TeamID = teamID
			e.MessageID = msg.ExternalID
			e.Step = cs.PipelineStep
			e.Loop = cs.PipelineLoops
			e.MaxLoops = pipelineMaxLoops(snap, teamID)
		})
	}

	for _, m := range mentions {
		target := m.TargetAgentID
		d.publish(eventbus.ChainHandoff, func(e *eventbus.Event) {
			e.AgentID = target
			e.TeamID = teamID
			e.MessageID = msg.ExternalID
		})
	}

	if _, err := d.convMgr.EnqueueMentions(conv, agentID, mentions); err != nil {
		return fmt.Errorf("dispatcher: enqueue mentions: %w", err)
	}

	done := d.convMgr.CompleteBranch(conv)
	if done {
		hadPipeline := conv.Pipeline != nil
		if err := d.convMgr.Complete(conv); err != nil {
			return fmt.Errorf("dispatcher: complete conversation: %w", err)
		}
		d.publish(eventbus.TeamChainEnd, func(e *eventbus.Event) {
			e.TeamID = teamID
			e.MessageID = msg.ExternalID
		})
		if hadPipeline {
			d.publish(eventbus.PipelineComplete, func(e *eventbus.Event) {
				e.TeamID = teamID
				e.MessageID = msg.ExternalID
			})
		}
	}

	return d.store.CompleteMessage(msg.ExternalID)
}

func teamPipeline(snap config.Snapshot, teamID string) *config.PipelineConfig {
	if t, ok := snap.Teams[teamID]; ok {
		return t.Pipeline
	}
	return nil
}

func pipelineMaxLoops(snap config.Snapshot, teamID string) int {
	if t, ok := snap.Teams[teamID]; ok && t.Pipeline != nil {
		return t.Pipeline.MaxLoops
	}
	return 0
}

func extractSendFiles(body string) (string, []string) {
	matches := sendFilePattern.FindAllStringSubmatch(body, -1)
	var files []string
	for _, m := range matches {
		path := strings.TrimSpace(m[1])
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return sendFilePattern.ReplaceAllString(body, ""), files
}

func truncateIfLong(body, messageID, workspace string) (string, []string, error) {
	if len(body) <= conversation.LongResponseThreshold {
		return body, nil, nil
	}
	dir := filepath.Join(workspace, "outputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return body, nil, err
	}
	path := filepath.Join(dir, messageID+".txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return body, nil, err
	}
	truncated := body[:conversation.LongResponseThreshold] + "\n\n[Response truncated; full text attached.]"
	return truncated, []string{path}, nil
}
