package hooks

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Lifecycle event names.
const (
	EventBeforeToolCall  = "before_tool_call"
	EventAfterToolCall   = "after_tool_call"
	EventMessageReceived = "message_received"
	EventMessageSending  = "message_sending"
	EventMessageSent     = "message_sent"
	EventSessionStart    = "session_start"
	EventSessionEnd      = "session_end"
)

// ToolCallDecision is returned by before_tool_call handlers to veto or
// rewrite a pending tool call.
type ToolCallDecision struct {
	Block       bool
	BlockReason string
	// Args, when non-nil, replaces the tool call's arguments.
	Args map[string]interface{}
}

// Handler observes an event. The returned value is ignored by Emit and
// consumed by EmitFirstResult.
type Handler func(ctx context.Context, payload map[string]interface{}) interface{}

// Dispatcher routes lifecycle events to registered handlers. Handlers
// run synchronously in registration order; a panic in one handler is
// contained and does not stop the others.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		logger:   logger.With().Str("component", "hooks").Logger(),
	}
}

// On registers a handler for an event.
func (d *Dispatcher) On(event string, handler Handler) {
	event = strings.TrimSpace(event)
	if event == "" || handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = append(d.handlers[event], handler)
}

// Emit invokes all handlers for the event, ignoring results.
func (d *Dispatcher) Emit(ctx context.Context, event string, payload map[string]interface{}) {
	for _, handler := range d.snapshot(event) {
		d.invoke(ctx, event, handler, payload)
	}
}

// EmitFirstResult invokes handlers in order and returns the first
// non-nil result, or nil if every handler abstains.
func (d *Dispatcher) EmitFirstResult(ctx context.Context, event string, payload map[string]interface{}) interface{} {
	for _, handler := range d.snapshot(event) {
		if result := d.invoke(ctx, event, handler, payload); result != nil {
			return result
		}
	}
	return nil
}

func (d *Dispatcher) snapshot(event string) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Handler(nil), d.handlers[event]...)
}

func (d *Dispatcher) invoke(ctx context.Context, event string, handler Handler, payload map[string]interface{}) (result interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().Str("event", event).Interface("panic", rec).Msg("hook handler panicked")
			result = nil
		}
	}()
	return handler(ctx, payload)
}
