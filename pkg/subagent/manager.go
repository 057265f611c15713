// Package subagent runs background tasks as isolated agent loops. A
// subagent shares the fallback engine and workspace with the main agent
// but gets a fresh transcript, a reduced tool set, and a focused system
// prompt. Results re-enter the main conversation as synthetic inbound
// system messages.
package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/pkg/bus"
	"github.com/harun/kirana/pkg/failover"
	"github.com/harun/kirana/pkg/provider"
	"github.com/harun/kirana/pkg/tools"
)

// maxIterations bounds a single subagent run. Subagents handle focused
// tasks; anything that needs more turns belongs in the main loop.
const maxIterations = 15

// ModelCaller is the slice of the fallback engine a subagent run needs.
type ModelCaller interface {
	Call(ctx context.Context, params failover.CallParams) failover.Result
}

// Manager spawns and tracks background subagent runs.
type Manager struct {
	engine    ModelCaller
	registry  *tools.Registry
	bus       *bus.MessageBus
	workspace string
	model     string
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

// NewManager builds a subagent manager. The registry passed in is the
// full tool registry; each run derives a reduced copy without the
// message and spawn tools.
func NewManager(engine ModelCaller, registry *tools.Registry, b *bus.MessageBus, workspace, model string) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		engine:    engine,
		registry:  registry,
		bus:       b,
		workspace: workspace,
		model:     model,
		logger:    log.With().Str("component", "subagent").Logger(),
		running:   make(map[string]struct{}),
		now:       time.Now,
	}
}

// Spawn starts a background run and returns immediately with an
// acknowledgement for the model. The result is announced later via the
// bus.
func (m *Manager) Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error) {
	taskID, err := gonanoid.New(8)
	if err != nil {
		return "", fmt.Errorf("generating task id: %w", err)
	}
	if label == "" {
		label = truncate(task, 30)
	}

	m.mu.Lock()
	m.running[taskID] = struct{}{}
	observability.SetSubagentsRunning(len(m.running))
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(taskID, task, label, originChannel, originChatID)

	m.logger.Info().Str("task_id", taskID).Str("label", label).Msg("spawned subagent")
	return fmt.Sprintf("Subagent [%s] started (id: %s). I'll notify you when it completes.", label, taskID), nil
}

// RunningCount returns the number of in-flight runs.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown waits for in-flight runs to finish or the context to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(taskID, task, label, originChannel, originChatID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.running, taskID)
		observability.SetSubagentsRunning(len(m.running))
		m.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("task_id", taskID).Interface("panic", r).Msg("subagent panicked")
			observability.RecordSubagentRun("panic")
			m.announce(taskID, label, task, fmt.Sprintf("Error: internal failure: %v", r), originChannel, originChatID, false)
		}
	}()

	m.logger.Info().Str("task_id", taskID).Str("label", label).Msg("subagent starting")
	result, err := m.execute(taskID, task)
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", taskID).Msg("subagent failed")
		observability.RecordSubagentRun("error")
		m.announce(taskID, label, task, "Error: "+err.Error(), originChannel, originChatID, false)
		return
	}
	m.logger.Info().Str("task_id", taskID).Msg("subagent completed")
	observability.RecordSubagentRun("ok")
	m.announce(taskID, label, task, result, originChannel, originChatID, true)
}

func (m *Manager) execute(taskID, task string) (string, error) {
	ctx := context.Background()
	registry := m.registry.Without("message", "spawn")
	defs := registry.Definitions()
	execCtx := tools.ExecContext{Channel: "system", ChatID: "subagent", SessionKey: "subagent:" + taskID}

	messages := []provider.Message{
		{Role: "system", Content: m.buildPrompt()},
		{Role: "user", Content: task},
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		result := m.engine.Call(ctx, failover.CallParams{
			Messages:     messages,
			Tools:        defs,
			PrimaryModel: m.model,
		})
		resp := result.Response
		if resp == nil {
			return "", fmt.Errorf("model call returned no response")
		}
		if resp.IsError() {
			return "", fmt.Errorf("model call failed (%s): %s", resp.ErrorKind, resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			m.logger.Debug().Str("task_id", taskID).Str("tool", call.Name).Msg("subagent tool call")
			out := registry.Execute(ctx, call.Name, call.Arguments, execCtx)
			messages = append(messages, provider.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    out,
			})
		}
	}
	return "Task completed but no final response was generated.", nil
}

// announce publishes the result as an inbound system message. ChatID
// carries "channel:chat" so the agent loop routes the phrased summary
// back to the originating conversation.
func (m *Manager) announce(taskID, label, task, result, originChannel, originChatID string, ok bool) {
	statusText := "completed successfully"
	if !ok {
		statusText = "failed"
	}
	content := fmt.Sprintf(`[Subagent '%s' %s]

Task: %s

Result:
%s

Summarize this naturally for the user. Keep it brief (1-2 sentences). Do not mention technical details like "subagent" or task IDs.`,
		label, statusText, task, result)

	msg := bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent",
		ChatID:   fmt.Sprintf("%s:%s", originChannel, originChatID),
		Content:  content,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.PublishInbound(ctx, msg); err != nil {
		m.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to announce subagent result")
	}
}

func (m *Manager) buildPrompt() string {
	now := m.now()
	var b strings.Builder
	b.WriteString("# Subagent\n\n")
	fmt.Fprintf(&b, "## Current Time\n%s (%s)\n\n", now.Format("2006-01-02 15:04 (Monday)"), now.Format("MST"))
	b.WriteString(`You are a subagent spawned by the main agent to complete a specific task.

## Rules
1. Stay focused - complete only the assigned task, nothing else
2. Your final response will be reported back to the main agent
3. Do not initiate conversations or take on side tasks
4. Be concise but informative in your findings

## What You Cannot Do
- Send messages directly to users (no message tool available)
- Spawn other subagents
- Access the main agent's conversation history

`)
	fmt.Fprintf(&b, "## Workspace\nYour workspace is at: %s\n\n", m.workspace)
	b.WriteString("When you have completed the task, provide a clear summary of your findings or actions.")
	return b.String()
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
