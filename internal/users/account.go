package users

import (
	"strings"
	"time"
)

// Account is one registered user. Usernames are the canonical identity for
// bill splits, so they are the primary key.
type Account struct {
	Username     string    `gorm:"column:username;primaryKey;size:150;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:60;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
