package conversations

import (
	"sync"
	"time"

	"github.com/mudler/xlog"
	"github.com/sashabaranov/go-openai"
)

// History keeps a bounded per-session conversation window used to build
// AI requests. Idle sessions are expired on access; nothing here is
// persisted.
type History struct {
	mu     sync.Mutex
	window int
	ttl    time.Duration
	conv   map[string][]openai.ChatCompletionMessage
	last   map[string]time.Time
}

func NewHistory(window int, ttl time.Duration) *History {
	return &History{
		window: window,
		ttl:    ttl,
		conv:   map[string][]openai.ChatCompletionMessage{},
		last:   map[string]time.Time{},
	}
}

// Window returns a copy of the most recent messages for the session, at
// most the configured window size.
func (h *History) Window(sessionID string) []openai.ChatCompletionMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expireLocked()

	msgs := h.conv[sessionID]
	if len(msgs) > h.window {
		msgs = msgs[len(msgs)-h.window:]
	}
	out := make([]openai.ChatCompletionMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Add appends a message to the session's conversation and refreshes its
// activity timestamp.
func (h *History) Add(sessionID string, message openai.ChatCompletionMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := append(h.conv[sessionID], message)
	// keep a little slack beyond the window so trimming is amortized
	if len(msgs) > h.window*2 {
		msgs = msgs[len(msgs)-h.window:]
	}
	h.conv[sessionID] = msgs
	h.last[sessionID] = time.Now()
}

// Forget drops the session's conversation, e.g. when it is closed.
func (h *History) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conv, sessionID)
	delete(h.last, sessionID)
}

func (h *History) expireLocked() {
	now := time.Now()
	for k, last := range h.last {
		if last.Add(h.ttl).Before(now) {
			xlog.Debug("Cleaning up conversation for", "session", k)
			delete(h.conv, k)
			delete(h.last, k)
		}
	}
}
