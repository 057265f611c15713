// Package bus decouples channel adapters from the agent loop. Channels
// publish inbound messages, the agent loop consumes them; responses travel
// the other way. Subagents and the cron service re-enter the conversation
// by publishing synthetic inbound messages on the "system" channel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrClosed is returned by publish/consume operations after Close.
var ErrClosed = errors.New("bus: closed")

// InboundMessage is the normalized ingress payload from any channel.
// It is immutable once published.
type InboundMessage struct {
	Channel  string                 `json:"channel"`
	SenderID string                 `json:"sender_id"`
	ChatID   string                 `json:"chat_id"`
	Content  string                 `json:"content"`
	Media    []string               `json:"media,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SessionKey returns the canonical "channel:chat" session key.
func (m InboundMessage) SessionKey() string {
	return fmt.Sprintf("%s:%s", m.Channel, m.ChatID)
}

// IsSystem reports whether the message was injected by a background task
// (subagent announcement, cron reminder) rather than a user channel.
func (m InboundMessage) IsSystem() bool {
	return m.Channel == "system"
}

// Origin resolves the routing target of a system message. System messages
// carry "channel:chat_id" in ChatID so the response re-enters the original
// conversation.
func (m InboundMessage) Origin() (channel, chatID string) {
	if idx := strings.Index(m.ChatID, ":"); idx >= 0 {
		return m.ChatID[:idx], m.ChatID[idx+1:]
	}
	return "cli", m.ChatID
}

// OutboundMessage is a response produced by the agent loop.
type OutboundMessage struct {
	Channel  string                 `json:"channel"`
	ChatID   string                 `json:"chat_id"`
	Content  string                 `json:"content"`
	ReplyTo  string                 `json:"reply_to,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MessageBus is an in-process message queue connecting channels and the
// agent loop. All operations are safe for concurrent use; consume
// operations suspend until a message arrives or the context ends.
type MessageBus struct {
	inbound   chan InboundMessage
	outbound  chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a bus with the given queue capacity per direction.
func New(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = 128
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message for the agent loop.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.inbound <- msg:
		return nil
	}
}

// ConsumeInbound blocks until an inbound message is available, the context
// ends, or the bus is closed.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-b.done:
		return InboundMessage{}, ErrClosed
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

// PublishOutbound enqueues a response for channel delivery.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.outbound <- msg:
		return nil
	}
}

// ConsumeOutbound blocks until a response is available, the context ends,
// or the bus is closed.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, error) {
	select {
	case msg := <-b.outbound:
		return msg, nil
	case <-b.done:
		return OutboundMessage{}, ErrClosed
	case <-ctx.Done():
		return OutboundMessage{}, ctx.Err()
	}
}

// Close shuts the bus down. Pending messages are discarded. Safe to
// call more than once, including concurrently.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
