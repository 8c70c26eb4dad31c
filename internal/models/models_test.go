package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	require.NoError(t, base.BeforeCreate(nil))
	require.Len(t, base.ID, 36)

	keep := BaseModel{ID: "fixed"}
	require.NoError(t, keep.BeforeCreate(nil))
	require.Equal(t, "fixed", keep.ID)
}

func TestUserRoleAndStatusHelpers(t *testing.T) {
	var nilUser *User
	require.False(t, nilUser.IsAdmin())
	require.False(t, nilUser.IsActive())

	u := &User{Role: RoleAdmin, Status: UserStatusActive}
	require.True(t, u.IsAdmin())
	require.True(t, u.IsActive())

	u.Status = UserStatusLocked
	require.False(t, u.IsActive())
}

func TestTableNames(t *testing.T) {
	require.Equal(t, "sessions", Session{}.TableName())
	require.Equal(t, "autologin", AutologinToken{}.TableName())
	require.Equal(t, "failed_logins", FailedLogin{}.TableName())
	require.Equal(t, "account_tokens", AccountToken{}.TableName())
}

func TestAccountTokenUsable(t *testing.T) {
	now := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	var nilToken *AccountToken
	require.False(t, nilToken.Usable(now))

	token := &AccountToken{ExpiresAt: now.Add(time.Hour)}
	require.True(t, token.Usable(now))
	require.False(t, token.Usable(now.Add(time.Hour)))

	token.UsedAt = &now
	require.False(t, token.Usable(now))
}
