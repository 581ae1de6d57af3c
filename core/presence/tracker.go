package presence

import (
	"sync"
	"time"
)

// Tracker holds ephemeral per-session typing and online-visitor state.
// Entries expire on read; nothing is persisted.
type Tracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	typing map[string]map[string]time.Time
	online map[string]time.Time
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:    ttl,
		typing: map[string]map[string]time.Time{},
		online: map[string]time.Time{},
	}
}

// SetTyping records that someone started or stopped typing in a session.
func (t *Tracker) SetTyping(sessionID, who string, typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !typing {
		delete(t.typing[sessionID], who)
		return
	}
	if t.typing[sessionID] == nil {
		t.typing[sessionID] = map[string]time.Time{}
	}
	t.typing[sessionID][who] = time.Now()
}

// Typing returns who is currently typing in the session.
func (t *Tracker) Typing(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.ttl)
	var who []string
	for w, at := range t.typing[sessionID] {
		if at.Before(cutoff) {
			delete(t.typing[sessionID], w)
			continue
		}
		who = append(who, w)
	}
	return who
}

// MarkOnline refreshes the visitor's liveness for a session.
func (t *Tracker) MarkOnline(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[sessionID] = time.Now()
}

// OnlineCount returns how many sessions have a live visitor.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.ttl)
	count := 0
	for id, at := range t.online {
		if at.Before(cutoff) {
			delete(t.online, id)
			continue
		}
		count++
	}
	return count
}

// Forget drops all state for a session, e.g. when it closes.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, sessionID)
	delete(t.online, sessionID)
}
