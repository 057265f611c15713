package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/pkg/bus"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (s *recordingSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []bus.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func TestRouterDispatchesToRegisteredSender(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	router := NewRouter(b, zerolog.Nop())
	sender := &recordingSender{}
	router.RegisterSender("telegram", sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	require.NoError(t, b.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  "42",
		Content: "hello",
	}))

	assert.Eventually(t, func() bool {
		return len(sender.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	msgs := sender.messages()
	assert.Equal(t, "42", msgs[0].ChatID)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestRouterDropsUnroutableMessages(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	router := NewRouter(b, zerolog.Nop())
	sender := &recordingSender{}
	router.RegisterSender("telegram", sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	require.NoError(t, b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "discord", ChatID: "1", Content: "x"}))
	require.NoError(t, b.PublishOutbound(ctx, bus.OutboundMessage{Channel: "telegram", ChatID: "2", Content: "y"}))

	assert.Eventually(t, func() bool {
		return len(sender.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "2", sender.messages()[0].ChatID)
}

func TestRouterStopsWhenBusCloses(t *testing.T) {
	b := bus.New(8)
	router := NewRouter(b, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		router.Run(context.Background())
		close(done)
	}()

	b.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop after bus close")
	}
}
