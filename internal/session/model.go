package session

import (
	"strings"
	"time"
)

// Session is the persisted credential for one local profile. It plays the role the
// browser's local key/value storage plays for the web client.
type Session struct {
	Profile   string    `gorm:"column:profile;primaryKey;size:64;not null"`
	Token     string    `gorm:"column:token;type:text;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
	SavedAt   time.Time `gorm:"column:saved_at;autoUpdateTime"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing stored sessions.
func (Session) TableName() string {
	return "client_sessions"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
