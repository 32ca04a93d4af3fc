package conversation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/agentrelay/agentrelay/logging"
	"github.com/agentrelay/agentrelay/queue"
	"github.com/agentrelay/agentrelay/router"
)

// ErrUnknownConversation is returned when an operation names a conversation
// id that is not (or is no longer) live.
var ErrUnknownConversation = errors.New("conversation: unknown conversation")

// LongResponseThreshold is the character count beyond which a completed
// conversation's aggregated text is persisted as a file attachment and the
// body truncated.
const LongResponseThreshold = 4000

var sendFilePattern = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)

// pendingTeammatesTrailerFmt is appended to an internal message's prompt
// whenever other branches of the same conversation are still outstanding.
const pendingTeammatesTrailerFmt = "\n\n[%d other teammate response(s) are still being processed and will be delivered when ready. Do not re-mention teammates who haven't responded yet.]"

// Manager owns the live set of Conversations keyed by id and coordinates
// their exclusive sections, the durable queue writes their completion
// produces, and the event-bus notifications that accompany each step.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	store  *queue.Store
	bus    *eventbus.Bus
	logger logging.Logger

	workspace string
}

// Options configures Manager construction.
type Options struct {
	Logger    logging.Logger
	Workspace string
}

// New constructs a Manager backed by store for durable writes and bus for
// event notification.
func New(store *queue.Store, bus *eventbus.Bus, optFns ...func(*Options)) *Manager {
	opts := Options{Logger: logging.NoOpLogger{}, Workspace: os.TempDir()}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		conversations: make(map[string]*Conversation),
		store:         store,
		bus:           bus,
		logger:        opts.Logger,
		workspace:     opts.Workspace,
	}
}

// Get returns the live conversation for id, or ErrUnknownConversation.
func (m *Manager) Get(id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return c, nil
}

// StartConversation creates and registers a new Conversation with pending = 1.
func (m *Manager) StartConversation(in NewInput) *Conversation {
	c := newConversation(in)
	m.mu.Lock()
	m.conversations[c.ID] = c
	m.mu.Unlock()
	return c
}

// GetOrStart returns the existing conversation for id if present, else
// starts a new one via in. This is the "ensure a conversation exists,
// creating it with pending = 1 on first step" operation from the dispatch
// algorithm.
func (m *Manager) GetOrStart(id string, in NewInput) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conversations[id]; ok {
		return c
	}
	c := newConversation(in)
	m.conversations[id] = c
	return c
}

// RecordStep appends one agent's response under the conversation's
// exclusive section.
func (m *Manager) RecordStep(c *Conversation, agentID, responseText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = append(c.Responses, Step{AgentID: agentID, Text: responseText})
	c.TotalMessages++
	c.CompletedAgents[agentID] = struct{}{}
}

// PendingTeammatesTrailer returns the trailer text to append to an internal
// message's prompt when other branches of the conversation are still
// outstanding (pending - 1 > 0 at draw time), or "" when none are.
func PendingTeammatesTrailer(c *Conversation) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.Pending - 1
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(pendingTeammatesTrailerFmt, n)
}

// EnqueueMentions increments pending by len(mentions) and issues one
// internal message per mention into the durable queue, each carrying the
// conversation id and the current agent as fromAgent. It returns the
// number of mentions actually enqueued (0 when totalMessages has already
// reached maxMessages, in which case the mentions are dropped).
func (m *Manager) EnqueueMentions(c *Conversation, currentAgentID string, mentions []router.Mention) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(mentions) == 0 {
		return 0, nil
	}
	if c.TotalMessages >= c.MaxMessages {
		m.logger.Warn("conversation: dropping %d mention(s), totalMessages reached maxMessages conv_id=%s", len(mentions), c.ID)
		return 0, nil
	}

	c.Pending += len(mentions)
	for _, mention := range mentions {
		body := wrapMentionBody(mention.Message, c)
		externalID, err := m.store.EnqueueMessage(queue.NewMessage{
			Channel:        c.Channel,
			Sender:         c.Sender,
			SenderAddress:  c.SenderAddress,
			Body:           body,
			Agent:          mention.TargetAgentID,
			ConversationID: c.ID,
			FromAgent:      currentAgentID,
		})
		if err != nil {
			return 0, fmt.Errorf("conversation: enqueue mention to %s: %w", mention.TargetAgentID, err)
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.MessageEnqueued, MessageID: externalID, AgentID: mention.TargetAgentID, ConversationID: c.ID})
	}
	return len(mentions), nil
}

func wrapMentionBody(body string, c *Conversation) string {
	if c.Pipeline != nil && c.Pipeline.Strict {
		return fmt.Sprintf("[Pipeline step %d]:\n%s", c.PipelineStep+1, body)
	}
	return fmt.Sprintf("[From teammate]:\n%s", body)
}

// CompleteBranch decrements pending by one, clamping at zero, and reports
// whether the conversation has now reached pending == 0.
func (m *Manager) CompleteBranch(c *Conversation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pending--
	if c.Pending < 0 {
		c.Pending = 0
	}
	return c.Pending == 0
}

// Complete idempotently finalizes a conversation: aggregates its recorded
// steps, strips residual teammate-mention fragments, promotes send_file
// tokens to attachments, applies long-response truncation, writes the
// single outbound response row, fires response_ready, and removes the
// conversation from the live set.
func (m *Manager) Complete(c *Conversation) error {
	c.mu.Lock()
	if c.Completed {
		c.mu.Unlock()
		return nil
	}
	c.Completed = true

	body := aggregateResponses(c.Responses)
	body = router.StripMentions(body)

	var outFiles []string
	for f := range c.Files {
		outFiles = append(outFiles, f)
	}

	body, promoted := m.promoteSendFiles(body)
	outFiles = append(outFiles, promoted...)

	if len(body) > LongResponseThreshold {
		savedPath, err := m.persistLongResponse(c.ID, body)
		if err != nil {
			m.logger.Error("conversation: failed to persist long response conv_id=%s err=%v", c.ID, err)
		} else {
			body = body[:LongResponseThreshold] + "\n\n[Response truncated; full text attached.]"
			outFiles = append(outFiles, savedPath)
		}
	}

	id := c.ID
	messageID := c.MessageID
	channel := c.Channel
	sender := c.Sender
	senderAddress := c.SenderAddress
	originalMessage := c.OriginalMessage
	c.mu.Unlock()

	if _, err := m.store.EnqueueResponse(queue.NewResponse{
		MessageID:       messageID,
		Channel:         channel,
		Sender:          sender,
		SenderAddress:   senderAddress,
		Body:            body,
		OriginalMessage: originalMessage,
		Files:           outFiles,
	}); err != nil {
		return fmt.Errorf("conversation: enqueue response: %w", err)
	}

	m.bus.Publish(eventbus.Event{Type: eventbus.ResponseReady, ConversationID: id, MessageID: messageID, ResponseLength: len(body)})

	m.mu.Lock()
	delete(m.conversations, id)
	m.mu.Unlock()

	return nil
}

func (m *Manager) promoteSendFiles(body string) (string, []string) {
	matches := sendFilePattern.FindAllStringSubmatch(body, -1)
	var promoted []string
	for _, match := range matches {
		path := strings.TrimSpace(match[1])
		if _, err := os.Stat(path); err == nil {
			promoted = append(promoted, path)
		}
	}
	return sendFilePattern.ReplaceAllString(body, ""), promoted
}

func (m *Manager) persistLongResponse(conversationID, body string) (string, error) {
	dir := filepath.Join(m.workspace, "outputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, conversationID+".txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// SweepIdle force-completes every conversation whose StartTime is older
// than IdleTimeout, returning how many were swept. Intended to be called
// periodically by the dispatcher's maintenance loop.
func (m *Manager) SweepIdle() int {
	m.mu.RLock()
	var stale []*Conversation
	now := time.Now()
	for _, c := range m.conversations {
		c.mu.Lock()
		if !c.Completed && now.Sub(c.StartTime) > IdleTimeout {
			stale = append(stale, c)
		}
		c.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, c := range stale {
		if err := m.Complete(c); err != nil {
			m.logger.Error("conversation: idle sweep failed to complete conv_id=%s err=%v", c.ID, err)
		}
	}
	return len(stale)
}

// Count reports the number of currently live (active) conversations, for
// the Control API's queue status endpoint.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}
