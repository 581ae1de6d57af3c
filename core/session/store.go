package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mudler/LocalDesk/core/notify"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/xlog"
)

// StateStore caches per-conversation state in memory for low-latency
// routing decisions and writes it to the document store asynchronously.
// All mutations of one session are serialized through its entry mutex;
// independent sessions proceed fully in parallel.
type StateStore struct {
	store    types.SessionStore
	notifier *notify.Notifier

	mu       sync.Mutex
	sessions map[string]*entry

	persistRetries int
	persistBackoff time.Duration
}

type entry struct {
	mu sync.Mutex
	s  types.Session
}

type Option func(*StateStore)

func WithPersistRetries(retries int, backoff time.Duration) Option {
	return func(s *StateStore) {
		s.persistRetries = retries
		s.persistBackoff = backoff
	}
}

func NewStateStore(store types.SessionStore, notifier *notify.Notifier, opts ...Option) *StateStore {
	s := &StateStore{
		store:          store,
		notifier:       notifier,
		sessions:       map[string]*entry{},
		persistRetries: 3,
		persistBackoff: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// entryFor returns the cache entry for the session, seeding it from the
// document store on a cache miss. A session unknown to both sides is
// returned as an empty entry; Touch materializes it, everything else
// treats it as not found.
func (s *StateStore) entryFor(ctx context.Context, id string) *entry {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		e = &entry{}
		s.sessions[id] = e
	}
	s.mu.Unlock()

	if ok {
		return e
	}

	stored, err := s.store.Get(ctx, id)
	if err != nil {
		xlog.Error("Failed to read session from store", "session", id, "error", err)
		return e
	}
	if stored != nil {
		e.mu.Lock()
		if e.s.ID == "" {
			e.s = *stored
		}
		e.mu.Unlock()
	}
	return e
}

// Touch refreshes the session's activity timestamp, creating the
// session if it does not exist yet. Returns the session and whether it
// was created. Touching a closed session fails with ErrSessionClosed
// instead of resurrecting it.
func (s *StateStore) Touch(ctx context.Context, id string, metadata map[string]string) (types.Session, bool, error) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.ID != "" && e.s.Closed() {
		return e.s, false, types.ErrSessionClosed
	}

	now := time.Now()
	created := false
	if e.s.ID == "" {
		e.s = types.Session{
			ID:             id,
			Status:         types.SessionStatusActive,
			AIPaused:       false,
			Metadata:       metadata,
			StartedAt:      now,
			LastActivityAt: now,
		}
		created = true
		s.persistCreate(e.s)
	} else {
		e.s.LastActivityAt = now
		s.persistUpdate(id, map[string]any{"lastActivityAt": now})
	}

	return e.s, created, nil
}

// Get returns a copy of the session state.
func (s *StateStore) Get(ctx context.Context, id string) (types.Session, error) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.ID == "" {
		return types.Session{}, types.ErrSessionNotFound
	}
	return e.s, nil
}

// AIPaused reports the flag at call time. The message router checks it
// at send time of an AI reply, not at start time of the AI call.
func (s *StateStore) AIPaused(ctx context.Context, id string) bool {
	sess, err := s.Get(ctx, id)
	return err == nil && sess.AIPaused
}

// Escalate moves an active session to needs_human and reports whether
// the status actually changed. Escalating a session an agent already
// owns, or one already escalated, is a no-op.
func (s *StateStore) Escalate(ctx context.Context, id string) (types.Session, bool, error) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.ID == "" {
		return types.Session{}, false, types.ErrSessionNotFound
	}
	if e.s.Closed() {
		return e.s, false, types.ErrSessionClosed
	}
	if e.s.Status != types.SessionStatusActive {
		return e.s, false, nil
	}

	e.s.Status = types.SessionStatusNeedsHuman
	e.s.LastActivityAt = time.Now()
	s.persistUpdate(id, map[string]any{
		"status":         e.s.Status,
		"lastActivityAt": e.s.LastActivityAt,
	})
	return e.s, true, nil
}

// Assign hands the session to an agent and pauses AI. Reassigning the
// same agent is a no-op; a different agent overwrites. The assignment
// notification is only sent to the agent that is still recorded after
// the write, so a racing reassign never produces a stale notification
// to the loser.
func (s *StateStore) Assign(ctx context.Context, id, agentID string) (types.Session, bool, error) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()

	if e.s.ID == "" {
		e.mu.Unlock()
		return types.Session{}, false, types.ErrSessionNotFound
	}
	if e.s.Closed() {
		sess := e.s
		e.mu.Unlock()
		return sess, false, types.ErrSessionClosed
	}
	if e.s.Status == types.SessionStatusAgentAssigned && e.s.AssignedAgentID == agentID {
		sess := e.s
		e.mu.Unlock()
		return sess, false, nil
	}

	e.s.Status = types.SessionStatusAgentAssigned
	e.s.AssignedAgentID = agentID
	e.s.AIPaused = true
	e.s.LastActivityAt = time.Now()
	sess := e.s
	s.persistUpdate(id, map[string]any{
		"status":          sess.Status,
		"assignedAgentId": sess.AssignedAgentID,
		"aiPaused":        sess.AIPaused,
		"lastActivityAt":  sess.LastActivityAt,
	})
	e.mu.Unlock()

	e.mu.Lock()
	current := e.s.AssignedAgentID
	e.mu.Unlock()
	if current == agentID && s.notifier != nil {
		s.notifier.Notify(ctx, &types.Notification{
			Type:         types.NotificationAgentAssigned,
			Content:      fmt.Sprintf("You have been assigned to conversation %s", id),
			SessionID:    id,
			TargetUserID: agentID,
		})
	}

	return sess, true, nil
}

// RequestAgent is the visitor-initiated escalation: it only flips the
// session toward needs_human and alerts the agents; picking an agent
// remains an administrative action through Assign. Repeated requests
// for an already-escalated session do not re-alert.
func (s *StateStore) RequestAgent(ctx context.Context, id string) (types.Session, error) {
	sess, changed, err := s.Escalate(ctx, id)
	if err != nil {
		return sess, err
	}

	if changed && s.notifier != nil {
		s.notifier.Notify(ctx, &types.Notification{
			Type:      types.NotificationAgentRequested,
			Content:   fmt.Sprintf("A visitor is waiting for a human agent in conversation %s", id),
			SessionID: id,
		})
	}
	return sess, nil
}

// Close terminates the session. The resolution text is stored for
// audit. No further mutation is accepted afterward.
func (s *StateStore) Close(ctx context.Context, id, resolution string) (types.Session, error) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.ID == "" {
		return types.Session{}, types.ErrSessionNotFound
	}
	if e.s.Closed() {
		return e.s, types.ErrSessionClosed
	}

	e.s.Status = types.SessionStatusClosed
	e.s.AIPaused = false
	e.s.Resolution = resolution
	e.s.LastActivityAt = time.Now()
	s.persistUpdate(id, map[string]any{
		"status":         e.s.Status,
		"aiPaused":       e.s.AIPaused,
		"resolution":     e.s.Resolution,
		"lastActivityAt": e.s.LastActivityAt,
	})
	return e.s, nil
}

// FlagOfflineFallback marks the session eligible for the offline
// contact path after an AI failure.
func (s *StateStore) FlagOfflineFallback(ctx context.Context, id string) {
	e := s.entryFor(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.ID == "" || e.s.Closed() {
		return
	}
	if e.s.Metadata == nil {
		e.s.Metadata = map[string]string{}
	}
	e.s.Metadata["offlineFallback"] = "eligible"
	s.persistUpdate(id, map[string]any{"metadata": e.s.Metadata})
}

// SweepIdle closes every cached session whose last activity is older
// than the given duration and returns their ids, so the caller can tear
// down the live rooms.
func (s *StateStore) SweepIdle(ctx context.Context, idleFor time.Duration, resolution string) []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	cutoff := time.Now().Add(-idleFor)
	var closed []string
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil || sess.Closed() || sess.LastActivityAt.After(cutoff) {
			continue
		}
		if _, err := s.Close(ctx, id, resolution); err == nil {
			closed = append(closed, id)
		}
	}
	return closed
}

func (s *StateStore) persistCreate(sess types.Session) {
	s.persistAsync("create", func(ctx context.Context) error {
		return s.store.Create(ctx, &sess)
	})
}

func (s *StateStore) persistUpdate(id string, fields map[string]any) {
	s.persistAsync("update", func(ctx context.Context) error {
		return s.store.Update(ctx, id, fields)
	})
}

// persistAsync writes behind the cache with a bounded number of
// retries. Exhausted retries are logged; persistence never blocks live
// routing.
func (s *StateStore) persistAsync(op string, fn func(ctx context.Context) error) {
	retries := s.persistRetries
	backoff := s.persistBackoff
	go func() {
		var err error
		for attempt := 0; attempt <= retries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = fn(ctx)
			cancel()
			if err == nil {
				return
			}
			time.Sleep(backoff)
			backoff *= 2
		}
		xlog.Error("Giving up on session persistence", "op", op, "error", err)
	}()
}
