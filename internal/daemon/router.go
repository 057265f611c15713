package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kirana/pkg/bus"
)

// Sender delivers an outbound message on one channel.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg bus.OutboundMessage) error

func (f SenderFunc) Send(ctx context.Context, msg bus.OutboundMessage) error { return f(ctx, msg) }

// Router consumes outbound messages and dispatches them to the sender
// registered for the message's channel. Messages for channels with no
// sender are logged and dropped.
type Router struct {
	bus    *bus.MessageBus
	logger zerolog.Logger

	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRouter(b *bus.MessageBus, logger zerolog.Logger) *Router {
	return &Router{
		bus:     b,
		logger:  logger.With().Str("component", "router").Logger(),
		senders: make(map[string]Sender),
	}
}

// RegisterSender installs the sender for a channel, replacing any
// previous registration.
func (r *Router) RegisterSender(channel string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = sender
}

func (r *Router) sender(channel string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	return s, ok
}

// Run consumes outbound messages until the context ends or the bus
// closes.
func (r *Router) Run(ctx context.Context) {
	for {
		msg, err := r.bus.ConsumeOutbound(ctx)
		if err != nil {
			if ctx.Err() != nil || err == bus.ErrClosed {
				return
			}
			time.Sleep(time.Second)
			continue
		}
		r.dispatch(ctx, msg)
	}
}

func (r *Router) dispatch(ctx context.Context, msg bus.OutboundMessage) {
	sender, ok := r.sender(msg.Channel)
	if !ok {
		r.logger.Info().
			Str("channel", msg.Channel).
			Str("chat_id", msg.ChatID).
			Str("content", msg.Content).
			Msg("no sender registered, message dropped")
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := sender.Send(sendCtx, msg); err != nil {
		r.logger.Error().Err(err).
			Str("channel", msg.Channel).
			Str("chat_id", msg.ChatID).
			Msg("outbound delivery failed")
		return
	}
	r.logger.Debug().
		Str("channel", msg.Channel).
		Str("chat_id", msg.ChatID).
		Msg("outbound message delivered")
}
