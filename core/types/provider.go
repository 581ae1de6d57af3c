package types

import "time"

type HealthStatus string

const (
	HealthOK      HealthStatus = "ok"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// ProviderConfig describes one AI provider configuration. At most one
// is active at a time; which one is an administrative choice. UpdatedAt
// doubles as the version marker the registry compares before reusing a
// cached client, so the secret itself never has to be inspected.
type ProviderConfig struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	APIKey       string       `json:"-"`
	BaseURL      string       `json:"baseUrl,omitempty"`
	IsActive     bool         `json:"isActive"`
	HealthStatus HealthStatus `json:"healthStatus"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}
