package provider

import (
	"fmt"
	"strings"
)

const maxErrorDetailLen = 1200

// ClassifyErrorKind maps backend failure text to a short reason code used
// for cooldown bookkeeping. The substring patterns are a best-effort
// compatibility shim; callers must treat unknown kinds as retryable.
func ClassifyErrorKind(text string) string {
	msg := strings.ToLower(text)
	switch {
	case containsAny(msg, "insufficient", "credit", "billing", "payment", "quota exceeded"):
		return "billing"
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return "rate_limit"
	case containsAny(msg, "unauthorized", "invalid api key", "forbidden", "401", "403"):
		return "auth"
	case containsAny(msg, "timeout", "timed out", "deadline exceeded", "context deadline"):
		return "timeout"
	case containsAny(msg, "connection refused", "connection reset", "no such host", "broken pipe", "eof"):
		return "connection"
	case containsAny(msg, "tool_use_id", "tool_call_id", "invalid tool name", "tool name", "tool call validation"):
		return "tool_validation"
	default:
		return "unknown"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ErrorResponse converts a transport or API error into an error-tagged
// ModelResponse so the fallback engine can consume it like any other
// failed call.
func ErrorResponse(err error, model string) *ModelResponse {
	detail := err.Error()
	if len(detail) > maxErrorDetailLen {
		detail = detail[:maxErrorDetailLen] + "... (truncated)"
	}
	return &ModelResponse{
		Content:      fmt.Sprintf("Error calling LLM (model=%s): %s", model, detail),
		FinishReason: "error",
		ErrorKind:    ClassifyErrorKind(detail),
	}
}
