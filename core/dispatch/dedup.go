package dispatch

import (
	"strings"
	"sync"
	"time"

	"github.com/mudler/LocalDesk/core/types"
)

// dedupWindow drops a message identical to a very recently seen one
// from the same sender in the same session. This guards against
// client-side retry storms, not against legitimate repeated text sent
// deliberately after the window.
type dedupWindow struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupWindow(window time.Duration) *dedupWindow {
	return &dedupWindow{
		window: window,
		seen:   map[string]time.Time{},
	}
}

func dedupKey(sessionID string, sender types.Sender, text string) string {
	return strings.Join([]string{sessionID, string(sender), text}, "\x00")
}

// IsDuplicate is a pure lookup; it never records. Recording happens
// through Record once the event has actually been accepted, so a
// load-shed event does not suppress the client's retry.
func (d *dedupWindow) IsDuplicate(sessionID string, sender types.Sender, text string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}

	at, ok := d.seen[dedupKey(sessionID, sender, text)]
	return ok && now.Sub(at) < d.window
}

// Record marks the message as seen.
func (d *dedupWindow) Record(sessionID string, sender types.Sender, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[dedupKey(sessionID, sender, text)] = time.Now()
}
