package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mudler/LocalDesk/core/types"
)

// In-memory implementations of the collaborator interfaces, used when
// no database is configured and by the test suites.

type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]types.Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: map[string]types.Session{}}
}

func (s *InMemorySessionStore) Get(ctx context.Context, id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := sess
	return &cp, nil
}

func (s *InMemorySessionStore) Create(ctx context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *InMemorySessionStore) Update(ctx context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	for k, v := range fields {
		switch k {
		case "status":
			sess.Status = v.(types.SessionStatus)
		case "assignedAgentId":
			sess.AssignedAgentID = v.(string)
		case "aiPaused":
			sess.AIPaused = v.(bool)
		case "resolution":
			sess.Resolution = v.(string)
		case "metadata":
			sess.Metadata = v.(map[string]string)
		case "lastActivityAt":
			sess.LastActivityAt = v.(time.Time)
		default:
			return fmt.Errorf("unknown session field %q", k)
		}
	}
	s.sessions[id] = sess
	return nil
}

type InMemoryMessageStore struct {
	mu       sync.Mutex
	messages []types.Message
}

func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{}
}

func (s *InMemoryMessageStore) Append(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *msg)
	return nil
}

// Messages returns a snapshot of everything appended so far.
func (s *InMemoryMessageStore) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

type InMemoryNotificationStore struct {
	mu            sync.Mutex
	notifications []types.Notification
}

func NewInMemoryNotificationStore() *InMemoryNotificationStore {
	return &InMemoryNotificationStore{}
}

func (s *InMemoryNotificationStore) Create(ctx context.Context, n *types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *InMemoryNotificationStore) Notifications() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

type InMemoryProviderConfigStore struct {
	mu     sync.Mutex
	active *types.ProviderConfig
}

func NewInMemoryProviderConfigStore(active *types.ProviderConfig) *InMemoryProviderConfigStore {
	return &InMemoryProviderConfigStore{active: active}
}

func (s *InMemoryProviderConfigStore) GetActive(ctx context.Context) (*types.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, fmt.Errorf("no active provider configured")
	}
	cp := *s.active
	return &cp, nil
}

func (s *InMemoryProviderConfigStore) UpdateHealth(ctx context.Context, id string, status types.HealthStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.ID == id {
		s.active.HealthStatus = status
	}
	return nil
}

func (s *InMemoryProviderConfigStore) SetActive(cfg *types.ProviderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = cfg
}

type InMemoryRuleStore struct {
	mu    sync.Mutex
	rules []types.AutoReplyRule
}

func NewInMemoryRuleStore(rules ...types.AutoReplyRule) *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: rules}
}

func (s *InMemoryRuleStore) ListRules(ctx context.Context) ([]types.AutoReplyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AutoReplyRule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *InMemoryRuleStore) SetRules(rules []types.AutoReplyRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}
