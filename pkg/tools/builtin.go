package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/kirana/pkg/bus"
)

// Publisher sends outbound messages mid-turn.
type Publisher interface {
	PublishOutbound(ctx context.Context, msg bus.OutboundMessage) error
}

// Spawner starts a background subagent task and returns an acknowledgement.
type Spawner interface {
	Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error)
}

// Scheduler registers a recurring or one-shot reminder.
type Scheduler interface {
	Schedule(spec, message, channel, chatID string) (string, error)
}

// MessageTool lets the model push an interim message to the user before
// the turn finishes (progress updates during long tool chains).
type MessageTool struct {
	publisher Publisher
}

func NewMessageTool(publisher Publisher) *MessageTool {
	return &MessageTool{publisher: publisher}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before your turn is finished. Use for progress updates during long work."
}

func (t *MessageTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The message text to deliver.",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}, execCtx ExecContext) (string, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("content is required")
	}

	err := t.publisher.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: execCtx.Channel,
		ChatID:  execCtx.ChatID,
		Content: content,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return "Message sent.", nil
}

// SpawnTool starts a background subagent for long-running work so the
// current turn can answer immediately.
type SpawnTool struct {
	spawner Spawner
}

func NewSpawnTool(spawner Spawner) *SpawnTool {
	return &SpawnTool{spawner: spawner}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Run a task in the background and get notified with the result later. Use for work too long for a single reply."
}

func (t *SpawnTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Full description of the task to perform.",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for the task.",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}, execCtx ExecContext) (string, error) {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("task is required")
	}
	label, _ := args["label"].(string)

	ack, err := t.spawner.Spawn(ctx, task, label, execCtx.Channel, execCtx.ChatID)
	if err != nil {
		return "", fmt.Errorf("failed to spawn task: %w", err)
	}
	return ack, nil
}

// RemindTool schedules a reminder that re-enters the conversation when it
// fires.
type RemindTool struct {
	scheduler Scheduler
}

func NewRemindTool(scheduler Scheduler) *RemindTool {
	return &RemindTool{scheduler: scheduler}
}

func (t *RemindTool) Name() string { return "remind" }

func (t *RemindTool) Description() string {
	return "Schedule a reminder. Takes a cron expression (5 fields) and the reminder text; the reminder is delivered to this chat when it fires."
}

func (t *RemindTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression, e.g. '0 9 * * 1' for Mondays at 09:00.",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The reminder text.",
			},
		},
		"required": []string{"schedule", "message"},
	}
}

func (t *RemindTool) Execute(_ context.Context, args map[string]interface{}, execCtx ExecContext) (string, error) {
	spec, _ := args["schedule"].(string)
	message, _ := args["message"].(string)
	if strings.TrimSpace(spec) == "" || strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("schedule and message are required")
	}

	id, err := t.scheduler.Schedule(spec, message, execCtx.Channel, execCtx.ChatID)
	if err != nil {
		return "", fmt.Errorf("failed to schedule reminder: %w", err)
	}
	return fmt.Sprintf("Reminder scheduled (id=%s).", id), nil
}
