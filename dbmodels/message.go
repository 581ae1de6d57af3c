package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Message struct {
	ID            uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	SessionID     string    `gorm:"type:varchar(64);index;not null" json:"sessionId"`
	Sender        string    `gorm:"type:varchar(16);not null" json:"sender"` // user, bot, agent or system
	Content       string    `gorm:"type:text;not null" json:"content"`
	AttachmentRef string    `gorm:"type:varchar(512)" json:"attachmentRef"`
	Suggestions   string    `gorm:"type:text" json:"suggestions"` // JSON-encoded list
	Confidence    *float64  `json:"confidence"`
	Visibility    string    `gorm:"type:varchar(16);not null" json:"visibility"`
	CreatedAt     time.Time `gorm:"not null;index" json:"createdAt"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return
}
