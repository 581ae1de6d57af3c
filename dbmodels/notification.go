package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Notification struct {
	ID           uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	Type         string    `gorm:"type:varchar(32);not null" json:"type"`
	Content      string    `gorm:"type:text;not null" json:"content"`
	SessionID    string    `gorm:"type:varchar(64);index" json:"sessionId"`
	TargetUserID string    `gorm:"type:varchar(64);index" json:"targetUserId"`
	IsRead       bool      `gorm:"not null;default:false" json:"isRead"`
	CreatedAt    time.Time `gorm:"not null" json:"createdAt"`
}

func (n *Notification) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return
}
