package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names match the wire-level DDL
// contract ("users", "messages") rather than GORM's default pluralization.

type UserModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Phone     string    `gorm:"size:30;uniqueIndex;not null"`
	Name      string    `gorm:"size:255"`
	ThreadID  string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

func (UserModel) TableName() string { return "users" }

type MessageModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	UserID    int64          `gorm:"not null;index"`
	Sender    string         `gorm:"size:10;not null"`
	Content   string         `gorm:"type:text"`
	MediaType string         `gorm:"size:20"`
	MediaURL  string         `gorm:"type:text"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	Timestamp time.Time      `gorm:"column:timestamp;type:timestamptz;not null;default:now()"`
}

func (MessageModel) TableName() string { return "messages" }
