package models

// FailedLogin tracks consecutive failed logins for an identity (canonical username
// when the login resolves to an account, otherwise the raw login string).
type FailedLogin struct {
	ID       uint   `gorm:"primaryKey"`
	Login    string `gorm:"uniqueIndex;size:255;not null"`
	Count    int    `gorm:"not null;default:0"`
	LastTime int64  `gorm:"not null"`
	Blocked  bool   `gorm:"not null;default:false"`
}

func (FailedLogin) TableName() string {
	return "failed_logins"
}
