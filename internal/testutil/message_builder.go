package testutil

import "github.com/agentrelay/agentrelay/queue"

// MessageBuilder provides a fluent helper for constructing queue.NewMessage
// fixtures in dispatcher and queue tests.
//
// Example:
//
//	msg := NewMessageBuilder("web", "alice").Body("@coder fix bug").Build()
type MessageBuilder struct {
	msg queue.NewMessage
}

// NewMessageBuilder creates a builder for a message from sender on channel.
func NewMessageBuilder(channel, sender string) *MessageBuilder {
	return &MessageBuilder{msg: queue.NewMessage{Channel: channel, Sender: sender}}
}

// Body sets the message body (chainable).
func (b *MessageBuilder) Body(text string) *MessageBuilder {
	b.msg.Body = text
	return b
}

// Agent sets an explicit target agent id, bypassing router resolution
// (chainable).
func (b *MessageBuilder) Agent(id string) *MessageBuilder {
	b.msg.Agent = id
	return b
}

// Conversation marks the message as an internal follow-up within
// conversationID, attributed to fromAgent (chainable).
func (b *MessageBuilder) Conversation(conversationID, fromAgent string) *MessageBuilder {
	b.msg.ConversationID = conversationID
	b.msg.FromAgent = fromAgent
	return b
}

// Files attaches a file list to the message (chainable).
func (b *MessageBuilder) Files(paths ...string) *MessageBuilder {
	b.msg.Files = paths
	return b
}

// ExternalID overrides the auto-generated external id (chainable).
func (b *MessageBuilder) ExternalID(id string) *MessageBuilder {
	b.msg.ExternalID = id
	return b
}

// Build returns the constructed queue.NewMessage.
func (b *MessageBuilder) Build() queue.NewMessage {
	return b.msg
}
