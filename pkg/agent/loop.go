// Package agent runs the main conversation loop: it consumes inbound
// messages from the bus, drives the model iteration state machine with
// tool dispatch, and publishes responses. One Loop serves the process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/kirana/internal/config"
	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/pkg/bus"
	"github.com/harun/kirana/pkg/failover"
	"github.com/harun/kirana/pkg/hooks"
	"github.com/harun/kirana/pkg/memory"
	"github.com/harun/kirana/pkg/provider"
	"github.com/harun/kirana/pkg/session"
	"github.com/harun/kirana/pkg/tools"
)

const defaultFollowUpPrompt = "Summarize the tool results briefly for the user (1-4 sentences). " +
	"If the task is done, give the outcome; if more steps are needed, state the next action only."

// ModelCaller is the slice of the fallback engine the loop needs.
type ModelCaller interface {
	Call(ctx context.Context, params failover.CallParams) failover.Result
}

// ApprovalResolver handles /approve slash commands. Outside contexts
// that support approvals (e.g. the CLI) it is nil.
type ApprovalResolver interface {
	Resolve(requestID, decision string) (ok bool, text string, err error)
}

// Sinks receives streaming output for one processed message. Both
// fields are optional.
type Sinks struct {
	// OnDelta receives raw model text chunks.
	OnDelta func(content string)
	// OnEvent receives structured execution events: llm_delta,
	// tool_start, tool_end, final.
	OnEvent func(event string, payload map[string]interface{})
}

func (s Sinks) emit(event string, payload map[string]interface{}) {
	if s.OnEvent != nil {
		s.OnEvent(event, payload)
	}
}

// Loop is the agent's message processing core.
type Loop struct {
	cfg          *config.Config
	bus          *bus.MessageBus
	engine       ModelCaller
	registry     *tools.Registry
	sessions     *session.Manager
	consolidator *memory.Consolidator
	memStore     *memory.Store
	hooks        *hooks.Dispatcher
	approvals    ApprovalResolver
	logger       zerolog.Logger

	abortMu sync.Mutex
	aborts  map[string]struct{}

	stopMu sync.Mutex
	stop   context.CancelFunc

	// background tracks fire-and-forget consolidations so Drain can
	// wait for them at shutdown.
	background sync.WaitGroup

	now func() time.Time
}

// Options bundles the loop's collaborators.
type Options struct {
	Config       *config.Config
	Bus          *bus.MessageBus
	Engine       ModelCaller
	Registry     *tools.Registry
	Sessions     *session.Manager
	Consolidator *memory.Consolidator
	MemoryStore  *memory.Store
	Hooks        *hooks.Dispatcher
	Approvals    ApprovalResolver
}

// NewLoop wires the agent loop.
func NewLoop(opts Options) *Loop {
	observability.EnsureRegistered()
	return &Loop{
		cfg:          opts.Config,
		bus:          opts.Bus,
		engine:       opts.Engine,
		registry:     opts.Registry,
		sessions:     opts.Sessions,
		consolidator: opts.Consolidator,
		memStore:     opts.MemoryStore,
		hooks:        opts.Hooks,
		approvals:    opts.Approvals,
		logger:       log.With().Str("component", "agent").Logger(),
		aborts:       make(map[string]struct{}),
		now:          time.Now,
	}
}

// Run consumes inbound messages until the context ends or the bus
// closes. Per-message failures become apology responses; they never
// stop the loop.
func (l *Loop) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.stopMu.Lock()
	l.stop = cancel
	l.stopMu.Unlock()

	l.logger.Info().Msg("agent loop started")
	for {
		pollCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := l.bus.ConsumeInbound(pollCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || err == bus.ErrClosed {
				l.logger.Info().Msg("agent loop stopped")
				return
			}
			continue
		}

		start := l.now()
		runID := uuid.NewString()
		resp, perr := l.ProcessMessage(ctx, msg, "", Sinks{}, runID)
		observability.RecordTurn(msg.Channel, time.Since(start), perr == nil)
		if perr != nil {
			l.logger.Error().Err(perr).Str("run_id", runID).Str("channel", msg.Channel).Msg("message processing failed")
			channel, chatID := msg.Channel, msg.ChatID
			if msg.IsSystem() {
				channel, chatID = msg.Origin()
			}
			l.publish(ctx, bus.OutboundMessage{
				Channel: channel,
				ChatID:  chatID,
				Content: apologyFor(perr),
			})
			continue
		}
		if resp != nil {
			l.publish(ctx, *resp)
		}
	}
}

func (l *Loop) publish(ctx context.Context, msg bus.OutboundMessage) {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.bus.PublishOutbound(sendCtx, msg); err != nil {
		l.logger.Error().Err(err).Str("channel", msg.Channel).Msg("failed to publish response")
	}
}

// RequestAbort marks a run for cooperative cancellation. The iteration
// loop observes it at its next iteration boundary.
func (l *Loop) RequestAbort(runID string) {
	if runID == "" {
		return
	}
	l.abortMu.Lock()
	l.aborts[runID] = struct{}{}
	l.abortMu.Unlock()
}

func (l *Loop) abortRequested(runID string) bool {
	if runID == "" {
		return false
	}
	l.abortMu.Lock()
	defer l.abortMu.Unlock()
	if _, ok := l.aborts[runID]; ok {
		delete(l.aborts, runID)
		return true
	}
	return false
}

// Stop cancels a running consume loop. Safe to call before Run or more
// than once.
func (l *Loop) Stop() {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	if l.stop != nil {
		l.stop()
	}
}

// Drain waits for background consolidations to finish or the context
// to end.
func (l *Loop) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessDirect handles a message outside the bus (CLI, one-shot). The
// returned string is the agent's reply; an aborted run returns "".
func (l *Loop) ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string, sinks Sinks, runID string) (string, error) {
	msg := bus.InboundMessage{
		Channel:  channel,
		SenderID: "direct",
		ChatID:   chatID,
		Content:  content,
	}
	resp, err := l.ProcessMessage(ctx, msg, sessionKey, sinks, runID)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

// ProcessMessage handles one inbound message end to end and returns the
// response to publish, or nil when none is needed (slash-command
// replies come back as responses; aborted runs come back nil).
func (l *Loop) ProcessMessage(ctx context.Context, msg bus.InboundMessage, sessionKey string, sinks Sinks, runID string) (*bus.OutboundMessage, error) {
	if msg.IsSystem() {
		return l.processSystemMessage(ctx, msg)
	}

	preview := truncate(msg.Content, 80)
	l.logger.Info().Str("channel", msg.Channel).Str("sender", msg.SenderID).Str("preview", preview).Msg("processing message")
	l.hooks.Emit(ctx, hooks.EventMessageReceived, map[string]interface{}{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"content": msg.Content,
	})

	key := sessionKey
	if key == "" {
		key = msg.SessionKey()
	}
	sess, err := l.sessions.GetOrCreate(key)
	if err != nil {
		return nil, err
	}
	if sess.Len() == 0 {
		l.hooks.Emit(ctx, hooks.EventSessionStart, map[string]interface{}{
			"session_key": key,
			"channel":     msg.Channel,
			"chat_id":     msg.ChatID,
		})
	}

	if out := l.handleCommand(ctx, msg, sess); out != nil {
		return out, nil
	}

	// Opportunistic consolidation; never blocks the turn.
	if l.consolidator != nil && sess.Len() > l.cfg.Agent.MemoryWindow {
		l.background.Add(1)
		go func() {
			defer l.background.Done()
			if err := l.consolidator.Consolidate(context.Background(), sess, false); err != nil {
				l.logger.Warn().Err(err).Str("session_key", sess.Key).Msg("background consolidation failed")
			}
		}()
	}

	initial := l.buildMessages(sess, msg.Content)
	final, toolsUsed, aborted, err := l.runIterations(ctx, initial, msg.Channel, msg.ChatID, key, sinks, runID)
	if err != nil {
		return nil, err
	}
	if aborted {
		l.logger.Info().Str("run_id", runID).Msg("run aborted, no response published")
		return nil, nil
	}
	if final == "" {
		final = "I've completed processing but have no response to give."
	}
	final = l.applyResponsePrefix(final)

	l.hooks.Emit(ctx, hooks.EventMessageSending, map[string]interface{}{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"content": final,
	})

	sess.Append(session.Message{Role: "user", Content: msg.Content})
	sess.Append(session.Message{Role: "assistant", Content: final, ToolsUsed: toolsUsed})
	if err := l.sessions.Save(sess); err != nil {
		l.logger.Error().Err(err).Str("session_key", sess.Key).Msg("failed to save session")
	}

	l.hooks.Emit(ctx, hooks.EventMessageSent, map[string]interface{}{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
	})

	var replyTo string
	if msg.Metadata != nil {
		if mid, ok := msg.Metadata["message_id"]; ok && mid != nil {
			replyTo = fmt.Sprintf("%v", mid)
		}
	}
	return &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  final,
		ReplyTo:  replyTo,
		Metadata: msg.Metadata,
	}, nil
}

// processSystemMessage handles subagent announcements and cron
// reminders: the content runs through a normal iteration turn against
// the origin conversation's session, without streaming.
func (l *Loop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	originChannel, originChatID := msg.Origin()
	l.logger.Info().Str("sender", msg.SenderID).Str("origin", originChannel+":"+originChatID).Msg("processing system message")

	key := originChannel + ":" + originChatID
	sess, err := l.sessions.GetOrCreate(key)
	if err != nil {
		return nil, err
	}

	initial := l.buildMessages(sess, msg.Content)
	final, _, _, err := l.runIterations(ctx, initial, originChannel, originChatID, key, Sinks{}, "")
	if err != nil {
		return nil, err
	}
	if final == "" {
		final = "Background task completed."
	}

	sess.Append(session.Message{Role: "user", Content: fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content)})
	sess.Append(session.Message{Role: "assistant", Content: final})
	if err := l.sessions.Save(sess); err != nil {
		l.logger.Error().Err(err).Str("session_key", sess.Key).Msg("failed to save session")
	}

	return &bus.OutboundMessage{Channel: originChannel, ChatID: originChatID, Content: final}, nil
}

// buildMessages assembles the model conversation: system prompt with
// long-term memory, the recent transcript window, and the current
// message.
func (l *Loop) buildMessages(sess *session.Session, current string) []provider.Message {
	var b strings.Builder
	prompt := l.cfg.Agent.SystemPrompt
	if prompt == "" {
		prompt = "You are a helpful assistant."
	}
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\n## Current Time\n%s", l.now().Format("2006-01-02 15:04 (Monday)"))
	if l.memStore != nil {
		if memCtx, err := l.memStore.Context(); err == nil && memCtx != "" {
			b.WriteString("\n\n")
			b.WriteString(memCtx)
		}
	}

	messages := []provider.Message{{Role: "system", Content: b.String()}}
	for _, m := range sess.Window(l.cfg.Agent.MemoryWindow) {
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, provider.Message{Role: "user", Content: current})
	return messages
}

// runIterations drives the model/tool state machine for one turn.
func (l *Loop) runIterations(ctx context.Context, messages []provider.Message, channel, chatID, sessionKey string, sinks Sinks, runID string) (final string, toolsUsed []string, aborted bool, err error) {
	onDelta := func(content string) {
		if sinks.OnDelta != nil {
			sinks.OnDelta(content)
		}
		sinks.emit("llm_delta", map[string]interface{}{"content": content})
	}
	streamWanted := sinks.OnDelta != nil || sinks.OnEvent != nil
	execCtx := tools.ExecContext{Channel: channel, ChatID: chatID, SessionKey: sessionKey}
	activeModel := l.cfg.Models.Default

	maxIterations := l.cfg.Agent.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if l.abortRequested(runID) {
			return "", toolsUsed, true, nil
		}

		result := l.engine.Call(ctx, failover.CallParams{
			Messages:     messages,
			Tools:        l.registry.Definitions(),
			PrimaryModel: activeModel,
			Temperature:  l.cfg.Agent.Temperature,
			MaxTokens:    l.cfg.Agent.MaxTokens,
			OnDelta:      onDelta,
			AllowStream:  streamWanted && iteration == 1,
		})
		resp := result.Response
		if resp == nil {
			return "", toolsUsed, false, fmt.Errorf("model call returned no response")
		}
		if resp.IsError() {
			return "", toolsUsed, false, &modelError{kind: resp.ErrorKind, detail: resp.Content}
		}
		activeModel = result.Model

		if len(resp.ToolCalls) == 0 {
			sinks.emit("final", map[string]interface{}{"content": resp.Content})
			return resp.Content, toolsUsed, false, nil
		}

		messages = append(messages, provider.Message{
			Role:             "assistant",
			Content:          resp.Content,
			ToolCalls:        resp.ToolCalls,
			ReasoningContent: resp.ReasoningContent,
		})
		for _, call := range resp.ToolCalls {
			name := strings.TrimSpace(call.Name)
			if name == "" {
				l.logger.Warn().Msg("tool call with empty name")
				messages = append(messages, provider.Message{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    "Error: invalid tool call (missing name or arguments).",
				})
				continue
			}
			toolsUsed = append(toolsUsed, name)
			args := call.Arguments
			if args == nil {
				args = map[string]interface{}{}
			}

			var resultText string
			decision := l.beforeToolCall(ctx, name, args, execCtx)
			if decision != nil && decision.Block {
				reason := decision.BlockReason
				if reason == "" {
					reason = "blocked by policy"
				}
				resultText = "Error: tool call blocked: " + reason
			} else {
				if decision != nil && decision.Args != nil {
					args = decision.Args
				}
				sinks.emit("tool_start", map[string]interface{}{"tool": name, "args": args})
				resultText = l.registry.Execute(ctx, name, args, execCtx)
				sinks.emit("tool_end", map[string]interface{}{"tool": name, "result": resultText})
			}
			if l.cfg.Tools.SuppressErrors && strings.HasPrefix(strings.TrimSpace(resultText), "Error") {
				l.logger.Debug().Str("tool", name).Str("result", resultText).Msg("tool error suppressed")
				resultText = "Error: Tool execution failed."
			}
			l.hooks.Emit(ctx, hooks.EventAfterToolCall, map[string]interface{}{
				"tool":   name,
				"args":   args,
				"result": resultText,
			})
			messages = append(messages, provider.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    resultText,
			})
		}

		followUp := strings.TrimSpace(l.cfg.Messages.AfterToolResultsPrompt)
		if followUp == "" {
			followUp = defaultFollowUpPrompt
		}
		messages = append(messages, provider.Message{Role: "user", Content: followUp})
	}
	return "", toolsUsed, false, nil
}

// beforeToolCall runs the before_tool_call hook and interprets its
// first non-nil result as a decision.
func (l *Loop) beforeToolCall(ctx context.Context, name string, args map[string]interface{}, execCtx tools.ExecContext) *hooks.ToolCallDecision {
	result := l.hooks.EmitFirstResult(ctx, hooks.EventBeforeToolCall, map[string]interface{}{
		"tool":        name,
		"args":        args,
		"channel":     execCtx.Channel,
		"chat_id":     execCtx.ChatID,
		"session_key": execCtx.SessionKey,
	})
	if result == nil {
		return nil
	}
	switch d := result.(type) {
	case hooks.ToolCallDecision:
		return &d
	case *hooks.ToolCallDecision:
		return d
	default:
		return nil
	}
}

func (l *Loop) applyResponsePrefix(content string) string {
	template := strings.TrimSpace(l.cfg.Messages.ResponsePrefix)
	if template == "" {
		return content
	}
	model := l.cfg.Models.Default
	replacer := strings.NewReplacer(
		"{model}", model,
		"{provider}", l.cfg.ProviderFamily(model),
	)
	prefix := strings.TrimSpace(replacer.Replace(template))
	if prefix == "" {
		return content
	}
	return prefix + "\n" + content
}

// modelError is a turn-level model failure carrying the classified
// reason so the outer loop can pick an apology category.
type modelError struct {
	kind   string
	detail string
}

func (e *modelError) Error() string {
	return fmt.Sprintf("model call failed (%s): %s", e.kind, e.detail)
}

// apologyFor converts a turn failure into the user-visible message.
func apologyFor(err error) string {
	var me *modelError
	if errors.As(err, &me) {
		switch me.kind {
		case "timeout":
			return "Sorry, the request timed out. Please try again."
		case "connection":
			return "Sorry, I'm having trouble reaching the model service. Please try again in a moment."
		default:
			return "Sorry, I encountered an error talking to the model. Please try again."
		}
	}
	return "Sorry, something unexpected went wrong. Please try again."
}

// truncate shortens s to at most n runes, marking the cut with an
// ellipsis. Cuts on rune boundaries so multi-byte text stays valid.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
