package models

// Session is one row of the server-side session store. Data holds the encoded
// session values; Expiry is an absolute unix timestamp in seconds.
type Session struct {
	ID     string `gorm:"primaryKey;size:128"`
	Expiry int64  `gorm:"not null;index"`
	Data   []byte
}

func (Session) TableName() string {
	return "sessions"
}
