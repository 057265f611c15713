package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "12345"}
	assert.Equal(t, "telegram:12345", msg.SessionKey())
}

func TestOrigin(t *testing.T) {
	t.Run("should parse channel and chat from system chat id", func(t *testing.T) {
		msg := InboundMessage{Channel: "system", ChatID: "telegram:987"}
		channel, chatID := msg.Origin()
		assert.Equal(t, "telegram", channel)
		assert.Equal(t, "987", chatID)
	})

	t.Run("should fall back to cli when no separator present", func(t *testing.T) {
		msg := InboundMessage{Channel: "system", ChatID: "direct"}
		channel, chatID := msg.Origin()
		assert.Equal(t, "cli", channel)
		assert.Equal(t, "direct", chatID)
	})

	t.Run("should keep remainder intact with multiple separators", func(t *testing.T) {
		msg := InboundMessage{Channel: "system", ChatID: "gateway:room:42"}
		channel, chatID := msg.Origin()
		assert.Equal(t, "gateway", channel)
		assert.Equal(t, "room:42", chatID)
	})
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := New(4)
	defer b.Close()

	ctx := context.Background()
	in := InboundMessage{Channel: "cli", SenderID: "user", ChatID: "direct", Content: "hello"}
	require.NoError(t, b.PublishInbound(ctx, in))

	got, err := b.ConsumeInbound(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	out := OutboundMessage{Channel: "cli", ChatID: "direct", Content: "hi"}
	require.NoError(t, b.PublishOutbound(ctx, out))

	gotOut, err := b.ConsumeOutbound(ctx)
	require.NoError(t, err)
	assert.Equal(t, out, gotOut)
}

func TestConsumeInboundTimeout(t *testing.T) {
	b := New(1)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.ConsumeInbound(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedBus(t *testing.T) {
	b := New(1)
	b.Close()
	b.Close() // idempotent

	err := b.PublishInbound(context.Background(), InboundMessage{Channel: "cli"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.ConsumeInbound(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentClose(t *testing.T) {
	b := New(1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Close()
		}()
	}
	wg.Wait()

	_, err := b.ConsumeOutbound(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
