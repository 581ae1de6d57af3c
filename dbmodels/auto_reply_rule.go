package models

import "time"

type AutoReplyRule struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Trigger   string    `gorm:"type:varchar(255);not null" json:"trigger"`
	MatchType string    `gorm:"type:varchar(16);not null" json:"matchType"` // exact, partial or keyword
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
