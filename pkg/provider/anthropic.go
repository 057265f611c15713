package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider for Anthropic Claude models.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic provider with the given
// credential.
func NewAnthropicProvider(cred Credential) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cred.APIKey)}
	if cred.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cred.APIBase))
	}
	for k, v := range cred.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

// Name returns the provider family name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Chat makes a completion call against the Anthropic Messages API.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ModelResponse, error) {
	params := p.buildParams(req)
	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return ErrorResponse(err, req.Model), nil
	}
	return p.parseMessage(response), nil
}

// ChatStream streams content deltas through onDelta and returns the
// accumulated response. Stream failures become error-tagged responses so
// the fallback path applies unchanged.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ModelResponse, error) {
	params := p.buildParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return ErrorResponse(err, req.Model), nil
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && onDelta != nil {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return ErrorResponse(err, req.Model), nil
	}
	return p.parseMessage(&message), nil
}

func (p *AnthropicProvider) buildParams(req ChatRequest) anthropic.MessageNewParams {
	messages := []anthropic.MessageParam{}
	system := ""

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// The Messages API takes the system prompt out of band.
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				blocks := []anthropic.ContentBlockParamUnion{}
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
				}
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(BareModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, def := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: def.InputSchema["properties"],
				},
			}
			if required, ok := def.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}
	return params
}

func (p *AnthropicProvider) parseMessage(message *anthropic.Message) *ModelResponse {
	content := ""
	reasoning := ""
	toolCalls := []ToolCall{}

	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ThinkingBlock:
			reasoning += b.Thinking
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return ErrorResponse(fmt.Errorf("parse tool input: %w", err), string(message.Model))
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	finishReason := "stop"
	if message.StopReason != "" && message.StopReason != anthropic.StopReasonEndTurn {
		finishReason = string(message.StopReason)
	}

	return &ModelResponse{
		Content:          content,
		ToolCalls:        toolCalls,
		FinishReason:     finishReason,
		ReasoningContent: reasoning,
		Usage: &TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
}
