package models

// Account status values stored in users.status.
const (
	UserStatusInactive = 0
	UserStatusActive   = 1
	UserStatusLocked   = 2
)

// Roles understood by the authenticator.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account. UserKey is a stable pseudonymous identifier used by the
// persistent login tables instead of the primary key.
type User struct {
	BaseModel
	UserKey  string `gorm:"uniqueIndex;size:32;not null" json:"-"`
	Username string `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Password string `gorm:"column:password_hash;not null" json:"-"`
	Role     string `gorm:"size:32;not null;default:user" json:"role"`
	Status   int    `gorm:"not null;default:0" json:"status"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

func (u *User) IsActive() bool {
	return u != nil && u.Status == UserStatusActive
}
