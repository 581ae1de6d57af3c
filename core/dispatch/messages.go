package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mudler/LocalDesk/core/sse"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/xlog"
	"github.com/sashabaranov/go-openai"
)

type botReplyKind string

const (
	botReplyAI       botReplyKind = "ai"
	botReplyCanned   botReplyKind = "canned"
	botReplyFallback botReplyKind = "fallback"
)

func (d *Dispatcher) handleVisitorMessage(ctx context.Context, ev types.InboundEvent) {
	sess, created, err := d.sessions.Touch(ctx, ev.SessionID, ev.Metadata)
	if err != nil {
		xlog.Warn("Visitor message rejected", "session", ev.SessionID, "error", err)
		return
	}
	d.presence.MarkOnline(ev.SessionID)
	if created {
		d.hub.Room(ev.SessionID).Send(sse.NewEvent(types.OutSessionStarted, map[string]any{
			"sessionId": ev.SessionID,
		}))
	}

	msg := &types.Message{
		ID:            uuid.NewString(),
		SessionID:     ev.SessionID,
		Sender:        types.SenderUser,
		Text:          ev.Text,
		AttachmentRef: ev.AttachmentRef,
		Visibility:    types.VisibilityPublic,
		CreatedAt:     time.Now(),
	}
	d.hub.Room(ev.SessionID).Send(sse.NewEvent(types.OutUserMessage, msg))
	d.persistMessage(msg)
	d.history.Add(ev.SessionID, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: ev.Text,
	})

	// An agent owns the session: the message reaches the agent's
	// connections through the room, no auto-reply or AI lookup runs.
	if sess.AIPaused {
		return
	}

	if content, ok := d.matcher.Match(ev.Text); ok {
		d.sendBotReply(ctx, ev.SessionID, content, nil, nil, botReplyCanned)
		return
	}

	window := d.history.Window(ev.SessionID)
	reply, err := d.router.Generate(ctx, ev.SessionID, window, ev.AttachmentRef)
	if err != nil {
		// One fallback message, no retry within this call. The failure
		// classification and admin notification already happened in the
		// failover router.
		xlog.Error("AI generation failed", "session", ev.SessionID, "error", err)
		zero := 0.0
		d.sendBotReply(ctx, ev.SessionID, d.fallbackText, []string{}, &zero, botReplyFallback)
		d.sessions.FlagOfflineFallback(ctx, ev.SessionID)
		return
	}

	d.sendBotReply(ctx, ev.SessionID, reply.Text, reply.Suggestions, &reply.Confidence, botReplyAI)
}

// sendBotReply broadcasts and persists a bot message. Delivery honors
// the aiPaused flag at send time: an agent takeover that landed while
// the AI call was in flight is a harmless race, the reply is still
// persisted either way.
func (d *Dispatcher) sendBotReply(ctx context.Context, sessionID, text string, suggestions []string, confidence *float64, kind botReplyKind) {
	msg := &types.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Sender:      types.SenderBot,
		Text:        text,
		Suggestions: suggestions,
		Confidence:  confidence,
		Visibility:  types.VisibilityPublic,
		CreatedAt:   time.Now(),
	}
	d.persistMessage(msg)
	d.history.Add(sessionID, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: text,
	})

	sess, err := d.sessions.Get(ctx, sessionID)
	if err == nil && sess.Closed() {
		return
	}

	payload := map[string]any{
		"sessionId":   sessionID,
		"text":        text,
		"suggestions": suggestions,
		"type":        string(kind),
	}
	if confidence != nil {
		payload["confidence"] = *confidence
	}
	d.hub.Room(sessionID).Send(sse.NewEvent(types.OutBotMessage, payload))
}

func (d *Dispatcher) handleAgentMessage(ctx context.Context, ev types.InboundEvent) {
	sess, err := d.sessions.Get(ctx, ev.SessionID)
	if err != nil || sess.Closed() || sess.Status != types.SessionStatusAgentAssigned {
		xlog.Warn("Agent message rejected", "session", ev.SessionID, "error", err)
		return
	}

	visibility := ev.Visibility
	if visibility == "" {
		visibility = types.VisibilityPublic
	}

	msg := &types.Message{
		ID:            uuid.NewString(),
		SessionID:     ev.SessionID,
		Sender:        types.SenderAgent,
		Text:          ev.Text,
		AttachmentRef: ev.AttachmentRef,
		Visibility:    visibility,
		CreatedAt:     time.Now(),
	}

	// Internal notes stay on the agent side of the fence.
	if visibility == types.VisibilityInternal {
		d.hub.Admin().Send(sse.NewEvent(types.OutAgentMessage, msg))
	} else {
		d.hub.Room(ev.SessionID).Send(sse.NewEvent(types.OutAgentMessage, msg))
		d.history.Add(ev.SessionID, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: ev.Text,
		})
	}
	d.persistMessage(msg)

	if _, _, err := d.sessions.Touch(ctx, ev.SessionID, nil); err != nil {
		xlog.Warn("Cannot touch session after agent message", "session", ev.SessionID, "error", err)
	}
}
