// Package session persists conversation transcripts, one JSON document
// per session key, with an in-memory cache in front of the files.
package session

import (
	"sync"
	"time"
)

// Message is a single transcript entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// Usage records token accounting reported by the provider for the
// assistant turn that produced the message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Session is the full persisted state for one conversation key.
// LastConsolidated is a watermark into Messages: entries below it have
// already been folded into long-term memory. Consolidation only moves
// the watermark forward, it never mutates Messages.
//
// A cached Session is shared between the live turn and background
// consolidation, so every access goes through the mutexed accessors;
// the exported fields exist for the JSON document shape and for
// detached snapshots.
type Session struct {
	Key              string            `json:"key"`
	Messages         []Message         `json:"messages"`
	LastConsolidated int               `json:"last_consolidated"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`

	mu sync.Mutex
}

// Append adds a message and stamps UpdatedAt.
func (s *Session) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// Len returns the transcript length.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Messages)
}

// Unconsolidated returns a copy of the messages above the consolidation
// watermark.
func (s *Session) Unconsolidated() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LastConsolidated >= len(s.Messages) {
		return nil
	}
	out := make([]Message, len(s.Messages)-s.LastConsolidated)
	copy(out, s.Messages[s.LastConsolidated:])
	return out
}

// Window returns a copy of the most recent n messages, or all of them
// when n <= 0 or the transcript is shorter than n.
func (s *Session) Window(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if n > 0 && len(s.Messages) > n {
		start = len(s.Messages) - n
	}
	out := make([]Message, len(s.Messages)-start)
	copy(out, s.Messages[start:])
	return out
}

// SetLastConsolidated moves the watermark. Out-of-range values are
// clamped to the transcript bounds.
func (s *Session) SetLastConsolidated(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(s.Messages) {
		n = len(s.Messages)
	}
	s.LastConsolidated = n
}

// Snapshot returns a detached copy safe to read or marshal while the
// original keeps taking appends.
func (s *Session) Snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	var meta map[string]string
	if s.Metadata != nil {
		meta = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
	}
	return &Session{
		Key:              s.Key,
		Messages:         msgs,
		LastConsolidated: s.LastConsolidated,
		Metadata:         meta,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
