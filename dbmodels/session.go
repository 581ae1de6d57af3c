package models

import "time"

type Session struct {
	ID              string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Status          string    `gorm:"type:varchar(32);not null;index" json:"status"`
	AssignedAgentID string    `gorm:"type:varchar(64)" json:"assignedAgentId"`
	AIPaused        bool      `gorm:"not null" json:"aiPaused"`
	Resolution      string    `gorm:"type:text" json:"resolution"`
	Metadata        string    `gorm:"type:text" json:"metadata"` // JSON-encoded key/value bag
	StartedAt       time.Time `gorm:"not null" json:"startedAt"`
	LastActivityAt  time.Time `gorm:"not null;index" json:"lastActivityAt"`
}
