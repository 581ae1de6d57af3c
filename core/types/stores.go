package types

import "context"

// The document store is an external collaborator reached through these
// narrow interfaces. Implementations live in the db package; tests use
// the in-memory variants.

type SessionStore interface {
	// Get returns (nil, nil) when the session does not exist.
	Get(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, session *Session) error
	Update(ctx context.Context, id string, fields map[string]any) error
}

type MessageStore interface {
	Append(ctx context.Context, message *Message) error
}

type NotificationStore interface {
	Create(ctx context.Context, notification *Notification) error
}

type ProviderConfigStore interface {
	GetActive(ctx context.Context) (*ProviderConfig, error)
	UpdateHealth(ctx context.Context, id string, status HealthStatus) error
}

type RuleStore interface {
	ListRules(ctx context.Context) ([]AutoReplyRule, error)
}
