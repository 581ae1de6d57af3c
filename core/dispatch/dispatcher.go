package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mudler/LocalDesk/core/autoreply"
	"github.com/mudler/LocalDesk/core/conversations"
	"github.com/mudler/LocalDesk/core/presence"
	"github.com/mudler/LocalDesk/core/provider"
	"github.com/mudler/LocalDesk/core/session"
	"github.com/mudler/LocalDesk/core/sse"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/xlog"
)

const (
	defaultDedupWindow  = 3 * time.Second
	defaultFallbackText = "I'm having trouble answering right now. A human agent will follow up with you shortly; you can also leave your contact details."

	actorInboxSize   = 64
	actorIdleTimeout = 10 * time.Minute
)

// Dispatcher is the single ingress for all inbound conversation events.
// Each session gets one actor goroutine that handles its events to
// completion in FIFO order, including the AI await, so a session's
// state mutations never interleave. Independent sessions run in
// parallel.
type Dispatcher struct {
	sessions *session.StateStore
	history  *conversations.History
	matcher  *autoreply.Matcher
	router   *provider.Router
	presence *presence.Tracker
	hub      *sse.Hub
	messages types.MessageStore
	dedup    *dedupWindow

	mu      sync.Mutex
	inboxes map[string]chan types.InboundEvent

	persistRetries int
	persistBackoff time.Duration
	fallbackText   string
}

type Option func(*Dispatcher)

func WithDedupWindow(window time.Duration) Option {
	return func(d *Dispatcher) {
		d.dedup = newDedupWindow(window)
	}
}

func WithFallbackText(text string) Option {
	return func(d *Dispatcher) {
		d.fallbackText = text
	}
}

func WithPersistRetries(retries int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		d.persistRetries = retries
		d.persistBackoff = backoff
	}
}

func New(
	sessions *session.StateStore,
	history *conversations.History,
	matcher *autoreply.Matcher,
	router *provider.Router,
	tracker *presence.Tracker,
	hub *sse.Hub,
	messages types.MessageStore,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		sessions:       sessions,
		history:        history,
		matcher:        matcher,
		router:         router,
		presence:       tracker,
		hub:            hub,
		messages:       messages,
		dedup:          newDedupWindow(defaultDedupWindow),
		inboxes:        map[string]chan types.InboundEvent{},
		persistRetries: 3,
		persistBackoff: 200 * time.Millisecond,
		fallbackText:   defaultFallbackText,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch validates an inbound event and hands it to the session's
// actor. Validation failures surface synchronously so the transport can
// answer the client; everything else happens on the actor.
func (d *Dispatcher) Dispatch(ev types.InboundEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("event %s without session id", ev.Kind)
	}

	ctx := context.Background()
	sess, err := d.sessions.Get(ctx, ev.SessionID)
	known := err == nil

	if known && sess.Closed() {
		// A closed session is terminal; a new chat allocates a new id.
		return types.ErrSessionClosed
	}

	switch ev.Kind {
	case types.EventUserMessage:
		if ev.Text == "" {
			return fmt.Errorf("empty message")
		}
		if d.dedup.IsDuplicate(ev.SessionID, types.SenderUser, ev.Text) {
			xlog.Debug("Dropping duplicate visitor message", "session", ev.SessionID)
			return nil
		}
	case types.EventAgentMessage:
		if ev.Text == "" {
			return fmt.Errorf("empty message")
		}
		if !known {
			return types.ErrSessionNotFound
		}
		if sess.Status != types.SessionStatusAgentAssigned {
			return types.ErrNotAgentOwned
		}
		if d.dedup.IsDuplicate(ev.SessionID, types.SenderAgent, ev.Text) {
			xlog.Debug("Dropping duplicate agent message", "session", ev.SessionID)
			return nil
		}
	case types.EventRequestAgent, types.EventEndSession:
		if !known {
			return types.ErrSessionNotFound
		}
	}

	d.enqueue(ev)
	return nil
}

// AssignAgent performs the agent takeover: state transition, targeted
// notification, and the agent_joined announcement in the room. It is an
// administrative action, not an inbound event, and is already
// serialized per session by the state store.
func (d *Dispatcher) AssignAgent(ctx context.Context, sessionID, agentID string) (types.Session, error) {
	sess, changed, err := d.sessions.Assign(ctx, sessionID, agentID)
	if err != nil {
		return sess, err
	}
	if changed {
		d.hub.Room(sessionID).Send(sse.NewEvent(types.OutAgentJoined, map[string]any{
			"sessionId": sessionID,
			"agentId":   agentID,
		}))
	}
	return sess, nil
}

func (d *Dispatcher) enqueue(ev types.InboundEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := d.inboxes[ev.SessionID]
	if !ok {
		ch = make(chan types.InboundEvent, actorInboxSize)
		d.inboxes[ev.SessionID] = ch
		go d.runSession(ev.SessionID, ch)
	}

	select {
	case ch <- ev:
		switch ev.Kind {
		case types.EventUserMessage:
			d.dedup.Record(ev.SessionID, types.SenderUser, ev.Text)
		case types.EventAgentMessage:
			d.dedup.Record(ev.SessionID, types.SenderAgent, ev.Text)
		}
	default:
		// Shed load instead of blocking every other session behind a
		// single flooded one.
		xlog.Warn("Session inbox full, dropping event", "session", ev.SessionID, "kind", ev.Kind)
	}
}

// runSession is the per-session actor loop. One event is handled to
// completion before the next is dequeued, which is what gives the
// per-sender FIFO guarantee and keeps state read-modify-writes from
// interleaving.
func (d *Dispatcher) runSession(id string, ch chan types.InboundEvent) {
	idle := time.NewTimer(actorIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case ev := <-ch:
			d.handle(ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(actorIdleTimeout)
		case <-idle.C:
			d.mu.Lock()
			if len(ch) == 0 {
				delete(d.inboxes, id)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			idle.Reset(actorIdleTimeout)
		}
	}
}

func (d *Dispatcher) handle(ev types.InboundEvent) {
	ctx := context.Background()

	switch ev.Kind {
	case types.EventStartSession:
		d.handleStartSession(ctx, ev)
	case types.EventUserMessage:
		d.handleVisitorMessage(ctx, ev)
	case types.EventAgentMessage:
		d.handleAgentMessage(ctx, ev)
	case types.EventTypingStart, types.EventTypingStop:
		d.handleTyping(ev)
	case types.EventRequestAgent:
		if _, err := d.sessions.RequestAgent(ctx, ev.SessionID); err != nil {
			xlog.Warn("Agent request rejected", "session", ev.SessionID, "error", err)
		}
	case types.EventEndSession:
		d.handleEndSession(ctx, ev)
	default:
		xlog.Warn("Unknown event kind", "kind", ev.Kind)
	}
}

func (d *Dispatcher) handleStartSession(ctx context.Context, ev types.InboundEvent) {
	_, created, err := d.sessions.Touch(ctx, ev.SessionID, ev.Metadata)
	if err != nil {
		xlog.Warn("Cannot start session", "session", ev.SessionID, "error", err)
		return
	}
	d.presence.MarkOnline(ev.SessionID)
	if created {
		d.hub.Room(ev.SessionID).Send(sse.NewEvent(types.OutSessionStarted, map[string]any{
			"sessionId": ev.SessionID,
		}))
	}
}

func (d *Dispatcher) handleTyping(ev types.InboundEvent) {
	typing := ev.Kind == types.EventTypingStart
	d.presence.SetTyping(ev.SessionID, ev.Who, typing)
	d.hub.Room(ev.SessionID).Send(sse.NewEvent(types.OutDisplayTyping, map[string]any{
		"sessionId": ev.SessionID,
		"who":       ev.Who,
		"typing":    typing,
	}))
}

func (d *Dispatcher) handleEndSession(ctx context.Context, ev types.InboundEvent) {
	resolution := ev.Text
	if resolution == "" {
		resolution = "closed_by_" + firstNonEmpty(ev.Who, "visitor")
	}

	if _, err := d.sessions.Close(ctx, ev.SessionID, resolution); err != nil {
		xlog.Warn("Cannot close session", "session", ev.SessionID, "error", err)
		return
	}

	d.hub.Room(ev.SessionID).Send(sse.NewEvent(types.OutConversationClosed, map[string]any{
		"sessionId": ev.SessionID,
	}))
	d.hub.Admin().Send(sse.NewEvent(types.OutConversationClosed, map[string]any{
		"sessionId": ev.SessionID,
	}))

	// Remaining live connections are dropped from the room; a late AI
	// reply for this session is persisted but no longer delivered.
	d.hub.Drop(ev.SessionID)
	d.history.Forget(ev.SessionID)
	d.presence.Forget(ev.SessionID)
}

// CloseIdleSessions closes sessions idle beyond the duration and tears
// down their rooms. Wired to the cron sweep.
func (d *Dispatcher) CloseIdleSessions(ctx context.Context, idleFor time.Duration) int {
	closed := d.sessions.SweepIdle(ctx, idleFor, "auto_closed_idle")
	for _, id := range closed {
		d.hub.Room(id).Send(sse.NewEvent(types.OutConversationClosed, map[string]any{
			"sessionId": id,
		}))
		d.hub.Drop(id)
		d.history.Forget(id)
		d.presence.Forget(id)
	}
	if len(closed) > 0 {
		xlog.Info("Auto-closed idle sessions", "count", len(closed))
	}
	return len(closed)
}

// persistMessage writes behind the live broadcast with bounded retries.
// Storage failure never blocks delivery to the transport.
func (d *Dispatcher) persistMessage(msg *types.Message) {
	retries := d.persistRetries
	backoff := d.persistBackoff
	go func() {
		var err error
		for attempt := 0; attempt <= retries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = d.messages.Append(ctx, msg)
			cancel()
			if err == nil {
				return
			}
			time.Sleep(backoff)
			backoff *= 2
		}
		xlog.Error("Giving up on message persistence", "session", msg.SessionID, "sender", msg.Sender, "error", err)
	}()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
