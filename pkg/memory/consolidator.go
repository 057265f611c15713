package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/harun/kirana/internal/observability"
	"github.com/harun/kirana/pkg/failover"
	"github.com/harun/kirana/pkg/provider"
	"github.com/harun/kirana/pkg/session"
)

const consolidationSystemPrompt = "You are a memory consolidation agent. Respond only with valid JSON."

const consolidationPromptTemplate = `You are a memory consolidation agent. Process this conversation and return a JSON object with exactly two keys:

1. "history_entry": A paragraph (2-5 sentences) summarizing the key events/decisions/topics. Start with a timestamp like [YYYY-MM-DD HH:MM]. Include enough detail to be useful when found by grep search later.

2. "memory_update": The updated long-term memory content. Add any new facts: user location, preferences, personal info, habits, project context, technical decisions, tools/services used. If nothing new, return the existing content unchanged. If an existing fact has been superseded, keep the old conclusion and add a new one that explicitly supersedes it (e.g. "Previously: X. Now: Y.").

## Current Long-term Memory
%s

## Conversation to Process
%s

Respond with ONLY valid JSON, no markdown fences.`

// ModelCaller is the slice of the fallback engine the consolidator
// needs.
type ModelCaller interface {
	Call(ctx context.Context, params failover.CallParams) failover.Result
}

// Consolidator folds old transcript messages into the memory files and
// advances the session's consolidation watermark. It never deletes or
// rewrites transcript messages; when consolidation fails the watermark
// stays put and the raw history survives for the next attempt.
type Consolidator struct {
	engine   ModelCaller
	sessions *session.Manager
	store    *Store
	model    string
	window   int
	logger   zerolog.Logger
	now      func() time.Time
}

// NewConsolidator builds a consolidator. An empty model falls back to
// the engine's default. window is the memory window configured for the
// agent; half of it is kept unconsolidated.
func NewConsolidator(engine ModelCaller, sessions *session.Manager, store *Store, model string, window int) *Consolidator {
	observability.EnsureRegistered()
	return &Consolidator{
		engine:   engine,
		sessions: sessions,
		store:    store,
		model:    model,
		window:   window,
		logger:   log.With().Str("component", "memory").Logger(),
		now:      time.Now,
	}
}

// Consolidate summarizes the messages between the watermark and the
// keep tail into HISTORY.md / MEMORY.md, then advances the watermark
// and saves the session. With archiveAll the whole transcript is
// processed and the watermark resets to zero, for callers that archive
// the session afterwards.
func (c *Consolidator) Consolidate(ctx context.Context, sess *session.Session, archiveAll bool) error {
	// Work from a detached snapshot; the live turn keeps appending to
	// sess while the model call runs.
	snap := sess.Snapshot()
	var old []session.Message
	keep := 0
	if archiveAll {
		old = snap.Messages
		c.logger.Info().Str("session_key", snap.Key).Int("messages", len(old)).
			Msg("consolidating full transcript before archive")
	} else {
		keep = c.window / 2
		if len(snap.Messages) <= keep {
			return nil
		}
		if len(snap.Messages)-snap.LastConsolidated <= 0 {
			return nil
		}
		old = snap.Messages[snap.LastConsolidated : len(snap.Messages)-keep]
		if len(old) == 0 {
			return nil
		}
		c.logger.Info().Str("session_key", snap.Key).
			Int("total", len(snap.Messages)).Int("consolidating", len(old)).Int("keep", keep).
			Msg("memory consolidation started")
	}

	current, err := c.store.ReadLongTerm()
	if err != nil {
		observability.RecordConsolidation(false)
		return err
	}

	result := c.engine.Call(ctx, failover.CallParams{
		Messages: []provider.Message{
			{Role: "system", Content: consolidationSystemPrompt},
			{Role: "user", Content: c.buildPrompt(current, old)},
		},
		PrimaryModel: c.model,
		MaxTokens:    4096,
	})
	if result.Response == nil || result.Response.IsError() {
		observability.RecordConsolidation(false)
		if result.Response != nil {
			return fmt.Errorf("consolidation model call failed: %s", result.Response.Content)
		}
		return fmt.Errorf("consolidation model call returned no response")
	}

	text := stripFences(strings.TrimSpace(result.Response.Content))
	entry := gjson.Get(text, "history_entry").String()
	update := gjson.Get(text, "memory_update").String()
	if entry == "" && update == "" {
		observability.RecordConsolidation(false)
		return fmt.Errorf("consolidation response had no usable fields: %.200s", text)
	}

	if entry != "" {
		if err := c.store.AppendHistory(entry); err != nil {
			observability.RecordConsolidation(false)
			return err
		}
	}
	if update != "" && update != current {
		if err := c.store.WriteLongTerm(update, c.now().UTC()); err != nil {
			observability.RecordConsolidation(false)
			return err
		}
	}

	watermark := 0
	if !archiveAll {
		// Computed from the snapshot: appends that landed during the
		// model call stay above the watermark.
		watermark = len(snap.Messages) - keep
	}
	sess.SetLastConsolidated(watermark)
	if !archiveAll {
		if err := c.sessions.Save(sess); err != nil {
			observability.RecordConsolidation(false)
			return err
		}
	}
	c.logger.Info().Str("session_key", snap.Key).Int("watermark", watermark).
		Msg("memory consolidation done")
	observability.RecordConsolidation(true)
	return nil
}

func (c *Consolidator) buildPrompt(current string, msgs []session.Message) string {
	var lines []string
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		tools := ""
		if len(m.ToolsUsed) > 0 {
			tools = fmt.Sprintf(" [tools: %s]", strings.Join(m.ToolsUsed, ", "))
		}
		stamp := "?"
		if !m.Timestamp.IsZero() {
			stamp = m.Timestamp.UTC().Format("2006-01-02T15:04")
		}
		lines = append(lines, fmt.Sprintf("[%s] %s%s: %s", stamp, strings.ToUpper(m.Role), tools, m.Content))
	}
	if current == "" {
		current = "(empty)"
	}
	return fmt.Sprintf(consolidationPromptTemplate, current, strings.Join(lines, "\n"))
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
