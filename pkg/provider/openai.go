package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI chat models.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates an OpenAI provider with the given credential.
func NewOpenAIProvider(cred Credential) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cred.APIKey)}
	if cred.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cred.APIBase))
	}
	for k, v := range cred.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

// Name returns the provider family name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Chat makes a completion call against the OpenAI Chat Completions API.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ModelResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ErrorResponse(err, req.Model), nil
	}
	if len(response.Choices) == 0 {
		return ErrorResponse(fmt.Errorf("no response choices returned"), req.Model), nil
	}
	return p.parseChoice(response.Choices[0], response.Usage, req.Model), nil
}

// ChatStream streams content deltas through onDelta and returns the
// accumulated response.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ModelResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && onDelta != nil {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return ErrorResponse(err, req.Model), nil
	}
	if len(acc.Choices) == 0 {
		return ErrorResponse(fmt.Errorf("stream ended without response"), req.Model), nil
	}
	return p.parseChoice(acc.Choices[0], acc.Usage, req.Model), nil
}

func (p *OpenAIProvider) buildParams(req ChatRequest) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					argsJSON, err := json.Marshal(tc.Arguments)
					if err != nil {
						return openai.ChatCompletionNewParams{}, fmt.Errorf("marshal tool arguments: %w", err)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
				continue
			}
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(BareModel(req.Model)),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, def := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  openai.FunctionParameters(def.InputSchema),
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *OpenAIProvider) parseChoice(choice openai.ChatCompletionChoice, usage openai.CompletionUsage, model string) *ModelResponse {
	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return ErrorResponse(fmt.Errorf("parse tool arguments: %w", err), model)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	finishReason := choice.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	return &ModelResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &TokenUsage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
		},
	}
}
