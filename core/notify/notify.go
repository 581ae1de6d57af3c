package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/xlog"
)

// PushFunc delivers a notification to live connections. Absence of a
// live connection is not an error; the stored row remains for later
// pickup.
type PushFunc func(n *types.Notification)

// Notifier persists notifications best-effort and pushes them to live
// connections when a push hook is wired.
type Notifier struct {
	store types.NotificationStore
	push  PushFunc
}

func New(store types.NotificationStore, push PushFunc) *Notifier {
	return &Notifier{store: store, push: push}
}

// Notify fills in id and timestamp, stores the notification and pushes
// it. Storage failure is logged, never propagated: a notification is a
// side effect, not a substitute for the in-band response.
func (n *Notifier) Notify(ctx context.Context, notification *types.Notification) {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}

	if n.store != nil {
		if err := n.store.Create(ctx, notification); err != nil {
			xlog.Error("Failed to store notification", "type", notification.Type, "error", err)
		}
	}
	if n.push != nil {
		n.push(notification)
	}
}
