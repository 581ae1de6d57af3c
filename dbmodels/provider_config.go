package models

import "time"

type ProviderConfig struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Provider     string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model        string    `gorm:"type:varchar(128);not null" json:"model"`
	APIKey       string    `gorm:"type:varchar(255)" json:"-"`
	BaseURL      string    `gorm:"type:varchar(255)" json:"baseUrl"`
	IsActive     bool      `gorm:"not null;index" json:"isActive"`
	HealthStatus string    `gorm:"type:varchar(16);not null" json:"healthStatus"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
