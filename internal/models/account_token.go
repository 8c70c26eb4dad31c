package models

import "time"

// Account token purposes.
const (
	AccountTokenActivation    = "activation"
	AccountTokenPasswordReset = "password_reset"
)

// AccountToken is a single use link token mailed to an account owner. Only the
// sha256 digest of the token is stored.
type AccountToken struct {
	BaseModel
	UserID    string     `gorm:"size:36;not null;index" json:"user_id"`
	Purpose   string     `gorm:"size:32;not null;index" json:"purpose"`
	TokenHash string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	ExpiresAt time.Time  `gorm:"not null;index" json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

func (AccountToken) TableName() string {
	return "account_tokens"
}

// Usable reports whether the token may still be redeemed at now.
func (t *AccountToken) Usable(now time.Time) bool {
	return t != nil && t.UsedAt == nil && now.Before(t.ExpiresAt)
}
