package types

import "time"

type NotificationType string

const (
	NotificationAgentAssigned    NotificationType = "agent_assigned"
	NotificationAgentRequested   NotificationType = "agent_requested"
	NotificationProviderWarning  NotificationType = "provider_warning"
	NotificationProviderCritical NotificationType = "provider_critical"
)

// Notification is created by agent assignment and provider health
// reporting and consumed by the UI. An empty TargetUserID addresses
// every administrator.
type Notification struct {
	ID           string           `json:"id"`
	Type         NotificationType `json:"type"`
	Content      string           `json:"content"`
	SessionID    string           `json:"sessionId,omitempty"`
	TargetUserID string           `json:"targetUserId,omitempty"`
	IsRead       bool             `json:"isRead"`
	CreatedAt    time.Time        `json:"createdAt"`
}
