package subagent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kirana/pkg/bus"
	"github.com/harun/kirana/pkg/failover"
	"github.com/harun/kirana/pkg/provider"
	"github.com/harun/kirana/pkg/tools"
)

// scriptedCaller returns canned responses in order, then repeats the
// last one.
type scriptedCaller struct {
	mu        sync.Mutex
	responses []*provider.ModelResponse
	calls     []failover.CallParams
}

func (s *scriptedCaller) Call(_ context.Context, params failover.CallParams) failover.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, params)
	idx := len(s.calls) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return failover.Result{Response: s.responses[idx], Model: "test/model"}
}

type noopTool struct {
	name   string
	result string
}

func (t *noopTool) Name() string                       { return t.name }
func (t *noopTool) Description() string                { return "test tool" }
func (t *noopTool) Schema() map[string]interface{}     { return nil }
func (t *noopTool) Execute(_ context.Context, _ map[string]interface{}, _ tools.ExecContext) (string, error) {
	return t.result, nil
}

func newFixture(t *testing.T, caller ModelCaller) (*Manager, *bus.MessageBus) {
	t.Helper()
	registry := tools.NewRegistry(nil, zerolog.Nop())
	require.NoError(t, registry.Register(&noopTool{name: "message", result: "sent"}, false))
	require.NoError(t, registry.Register(&noopTool{name: "spawn", result: "spawned"}, false))
	require.NoError(t, registry.Register(&noopTool{name: "read_note", result: "note body"}, false))
	b := bus.New(8)
	return NewManager(caller, registry, b, t.TempDir(), "test/model"), b
}

func consumeAnnouncement(t *testing.T, b *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	require.NoError(t, err)
	return msg
}

func TestSpawnAnnouncesResult(t *testing.T) {
	caller := &scriptedCaller{responses: []*provider.ModelResponse{
		{Content: "The answer is 42.", FinishReason: "stop"},
	}}
	m, b := newFixture(t, caller)

	ack, err := m.Spawn(context.Background(), "compute the answer", "compute", "telegram", "99")
	require.NoError(t, err)
	assert.Contains(t, ack, "Subagent [compute] started")

	msg := consumeAnnouncement(t, b)
	assert.Equal(t, "system", msg.Channel)
	assert.Equal(t, "subagent", msg.SenderID)
	assert.Equal(t, "telegram:99", msg.ChatID)
	assert.Contains(t, msg.Content, "completed successfully")
	assert.Contains(t, msg.Content, "The answer is 42.")

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Zero(t, m.RunningCount())
}

func TestSubagentExecutesToolsThenFinishes(t *testing.T) {
	caller := &scriptedCaller{responses: []*provider.ModelResponse{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "read_note", Arguments: map[string]interface{}{}}}, FinishReason: "tool_calls"},
		{Content: "Done reading.", FinishReason: "stop"},
	}}
	m, b := newFixture(t, caller)

	_, err := m.Spawn(context.Background(), "read the note", "", "cli", "direct")
	require.NoError(t, err)
	msg := consumeAnnouncement(t, b)
	assert.Contains(t, msg.Content, "Done reading.")

	require.NoError(t, m.Shutdown(context.Background()))
	require.Len(t, caller.calls, 2)

	// Second call carries the assistant tool-call turn and the tool result.
	second := caller.calls[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "assistant", second[2].Role)
	assert.Equal(t, "tool", second[3].Role)
	assert.Equal(t, "note body", second[3].Content)
}

func TestSubagentHasNoMessageOrSpawnTools(t *testing.T) {
	caller := &scriptedCaller{responses: []*provider.ModelResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	m, _ := newFixture(t, caller)

	_, err := m.Spawn(context.Background(), "task", "", "cli", "direct")
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))

	require.NotEmpty(t, caller.calls)
	for _, def := range caller.calls[0].Tools {
		assert.NotEqual(t, "message", def.Name)
		assert.NotEqual(t, "spawn", def.Name)
	}
	names := make([]string, 0)
	for _, def := range caller.calls[0].Tools {
		names = append(names, def.Name)
	}
	assert.Contains(t, names, "read_note")
}

func TestSubagentModelErrorAnnouncesFailure(t *testing.T) {
	caller := &scriptedCaller{responses: []*provider.ModelResponse{
		{Content: "All models failed: boom", FinishReason: "error", ErrorKind: "unknown"},
	}}
	m, b := newFixture(t, caller)

	_, err := m.Spawn(context.Background(), "task", "doomed", "telegram", "7")
	require.NoError(t, err)

	msg := consumeAnnouncement(t, b)
	assert.Contains(t, msg.Content, "failed")
	assert.Contains(t, msg.Content, "Error:")
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestSubagentIterationCap(t *testing.T) {
	loop := &provider.ModelResponse{
		ToolCalls:    []provider.ToolCall{{ID: "c", Name: "read_note", Arguments: map[string]interface{}{}}},
		FinishReason: "tool_calls",
	}
	caller := &scriptedCaller{responses: []*provider.ModelResponse{loop}}
	m, b := newFixture(t, caller)

	_, err := m.Spawn(context.Background(), "never ends", "", "cli", "direct")
	require.NoError(t, err)

	msg := consumeAnnouncement(t, b)
	assert.Contains(t, msg.Content, "no final response was generated")
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Len(t, caller.calls, maxIterations)
}

func TestSpawnLabelDefaultsToTruncatedTask(t *testing.T) {
	caller := &scriptedCaller{responses: []*provider.ModelResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	m, _ := newFixture(t, caller)

	long := strings.Repeat("x", 50)
	ack, err := m.Spawn(context.Background(), long, "", "cli", "direct")
	require.NoError(t, err)
	assert.Contains(t, ack, strings.Repeat("x", 30)+"...")
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("é", 50)
	got := truncate(long, 30)
	assert.Equal(t, strings.Repeat("é", 30)+"...", got)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "short", truncate("short", 30))
}

func TestSubagentPromptMentionsWorkspace(t *testing.T) {
	caller := &scriptedCaller{responses: []*provider.ModelResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	m, _ := newFixture(t, caller)

	_, err := m.Spawn(context.Background(), "task", "", "cli", "direct")
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background()))

	require.NotEmpty(t, caller.calls)
	system := caller.calls[0].Messages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "Your workspace is at:")
	assert.Contains(t, system.Content, "Stay focused")
}
