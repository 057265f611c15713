// Package provider abstracts language-model backends behind a uniform chat
// interface. Implementations convert backend failures into error-tagged
// ModelResponses so callers can retry across models and credentials without
// unwinding the turn.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Message is one turn in a model conversation.
type Message struct {
	Role             string                 `json:"role"`
	Content          string                 `json:"content"`
	ToolCalls        []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID       string                 `json:"tool_call_id,omitempty"`
	ReasoningContent string                 `json:"reasoning_content,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition is the schema advertised to the model for one tool.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ModelResponse is the normalized result of one model call. Backend
// failures are expressed as FinishReason "error" with the failure text in
// Content and a best-effort ErrorKind tag, never as a Go error, so the
// fallback engine can treat every outcome uniformly.
type ModelResponse struct {
	Content          string      `json:"content"`
	ToolCalls        []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason     string      `json:"finish_reason"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
	Usage            *TokenUsage `json:"usage,omitempty"`
	ErrorKind        string      `json:"error_kind,omitempty"`
}

// IsError reports whether the call failed.
func (r *ModelResponse) IsError() bool {
	return r != nil && r.FinishReason == "error"
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ModelResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ChatRequest carries the parameters for one model call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Provider is a language-model backend.
type Provider interface {
	// Chat performs one completion call. Backend failures are returned as
	// error-tagged ModelResponses; the error return is reserved for request
	// construction problems.
	Chat(ctx context.Context, req ChatRequest) (*ModelResponse, error)

	// Name returns the provider family name.
	Name() string
}

// StreamingProvider is implemented by providers that can stream content
// deltas. The final ModelResponse carries the complete content and any
// tool calls accumulated from the stream.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, onDelta func(string)) (*ModelResponse, error)
}

// Credential holds the authentication material for one runtime provider
// instance. A zero APIBase means the provider default endpoint.
type Credential struct {
	APIKey       string
	APIBase      string
	ExtraHeaders map[string]string
}

// Factory builds runtime provider instances for a (family, credential)
// pair. The fallback engine constructs a fresh instance per attempt so
// credential rotation never mutates a shared client.
type Factory interface {
	New(family string, cred Credential) (Provider, error)
}

// SDKFactory builds providers backed by the official vendor SDKs.
type SDKFactory struct{}

// New returns a provider for the family, or an error for unknown families.
func (SDKFactory) New(family string, cred Credential) (Provider, error) {
	switch family {
	case "anthropic":
		return NewAnthropicProvider(cred), nil
	case "openai":
		return NewOpenAIProvider(cred), nil
	default:
		return nil, fmt.Errorf("unsupported provider family: %q", family)
	}
}

// FamilyForModel resolves the provider family for a model name. The
// "family/model" naming convention wins; otherwise lookup (usually a
// config table) decides; otherwise empty.
func FamilyForModel(model string, lookup func(string) string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return strings.TrimSpace(model[:idx])
	}
	if lookup != nil {
		return strings.TrimSpace(lookup(model))
	}
	return ""
}

// BareModel strips the family prefix from a model name. Vendor APIs expect
// the bare id (e.g. "anthropic/claude-sonnet-4" -> "claude-sonnet-4").
func BareModel(model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return model[idx+1:]
	}
	return model
}
