package models

import "time"

// AutologinToken is a single-use remember-me token. Data mirrors the most recent
// session payload of the owning user so a restored session can resume it.
type AutologinToken struct {
	UserKey   string    `gorm:"primaryKey;size:32"`
	Token     string    `gorm:"primaryKey;size:64"`
	Used      bool      `gorm:"not null;default:false"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (AutologinToken) TableName() string {
	return "autologin"
}
