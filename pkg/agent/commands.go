package agent

import (
	"context"
	"strings"

	"github.com/harun/kirana/pkg/bus"
	"github.com/harun/kirana/pkg/hooks"
	"github.com/harun/kirana/pkg/session"
)

const helpText = "Available commands:\n" +
	"/new — Start a new conversation\n" +
	"/help — Show available commands\n" +
	"/approve <id> <allow-once|allow-always|deny> — Resolve a pending approval"

var approveDecisions = map[string]string{
	"allow-once":   "allow-once",
	"allow_once":   "allow-once",
	"allow":        "allow-once",
	"once":         "allow-once",
	"allow-always": "allow-always",
	"allow_always": "allow-always",
	"always":       "allow-always",
	"deny":         "deny",
	"reject":       "deny",
}

// parseApproveCommand parses "/approve <id> <decision>". Unknown
// decisions and missing arguments return ok=false.
func parseApproveCommand(content string) (requestID, decision string, ok bool) {
	raw := strings.TrimSpace(content)
	if !strings.HasPrefix(strings.ToLower(raw), "/approve") {
		return "", "", false
	}
	parts := strings.Fields(raw)
	if len(parts) < 3 {
		return "", "", false
	}
	requestID = strings.TrimSpace(parts[1])
	if requestID == "" {
		return "", "", false
	}
	decision, found := approveDecisions[strings.ToLower(parts[2])]
	if !found {
		return "", "", false
	}
	return requestID, decision, true
}

// handleCommand processes native slash commands. A non-nil return is
// the command's reply; nil means the message is a normal turn.
func (l *Loop) handleCommand(ctx context.Context, msg bus.InboundMessage, sess *session.Session) *bus.OutboundMessage {
	cmd := strings.ToLower(strings.TrimSpace(msg.Content))
	native := l.cfg.Messages.NativeCommands

	reply := func(content string) *bus.OutboundMessage {
		return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: content}
	}

	switch cmd {
	case "/new":
		if !native {
			return reply("Commands are disabled.")
		}
		return l.handleNew(ctx, msg, sess)
	case "/help":
		if !native {
			return reply("Commands are disabled.")
		}
		return reply(helpText)
	}

	if requestID, decision, ok := parseApproveCommand(msg.Content); ok {
		if l.approvals == nil {
			return reply("Approval resolve is not available in this context.")
		}
		resolved, text, err := l.approvals.Resolve(requestID, decision)
		if err != nil {
			return reply("Approval resolve failed: " + err.Error())
		}
		if !resolved && text == "" {
			text = "No matching approval request: " + requestID
		}
		return reply(text)
	}
	return nil
}

// handleNew archives the transcript, starts a fresh session, and kicks
// off full consolidation of the old messages in the background.
func (l *Loop) handleNew(ctx context.Context, msg bus.InboundMessage, sess *session.Session) *bus.OutboundMessage {
	archived := sess.Snapshot()
	key := archived.Key

	if err := l.sessions.Archive(key); err != nil {
		l.logger.Error().Err(err).Str("session_key", key).Msg("failed to archive session")
		return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID,
			Content: "Sorry, I couldn't start a new session. Please try again."}
	}
	l.hooks.Emit(ctx, hooks.EventSessionEnd, map[string]interface{}{
		"session_key": key,
		"channel":     msg.Channel,
		"chat_id":     msg.ChatID,
	})

	if l.consolidator != nil && len(archived.Messages) > 0 {
		l.background.Add(1)
		go func() {
			defer l.background.Done()
			if err := l.consolidator.Consolidate(context.Background(), archived, true); err != nil {
				l.logger.Warn().Err(err).Str("session_key", key).Msg("archive consolidation failed")
			}
		}()
	}
	return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID,
		Content: "New session started. Memory consolidation in progress."}
}
