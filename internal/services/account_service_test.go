package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/database/testutil"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
)

func newAccountFixture(t *testing.T) (*gorm.DB, *AccountService, *auth.Throttle, *AuditService) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	audit, err := NewAuditService(db, nil)
	require.NoError(t, err)

	accounts, err := NewAccountService(db, AccountOptions{HashCost: bcrypt.MinCost, Audit: audit})
	require.NoError(t, err)

	throttle, err := auth.NewThrottle(db, accounts, auth.ThrottleConfig{})
	require.NoError(t, err)
	accounts.SetFailureClearer(throttle)

	return db, accounts, throttle, audit
}

func validRegistration() RegisterInput {
	return RegisterInput{
		Username:       "alice",
		Email:          "alice@example.com",
		Password:       "abc12def",
		PasswordRepeat: "abc12def",
	}
}

func TestRegisterCreatesInactiveAccount(t *testing.T) {
	db, accounts, _, _ := newAccountFixture(t)
	ctx := context.Background()

	user, errs, err := accounts.Register(ctx, validRegistration(), auth.Request{RemoteAddr: "10.0.0.1"})
	require.NoError(t, err)
	require.Nil(t, errs)
	require.NotNil(t, user)

	var stored models.User
	require.NoError(t, db.Where("username = ?", "alice").Take(&stored).Error)
	require.Equal(t, models.UserStatusInactive, stored.Status)
	require.Equal(t, models.RoleUser, stored.Role)
	require.Len(t, stored.UserKey, 16)
	require.NotEqual(t, "abc12def", stored.Password)
	require.True(t, crypto.VerifyPassword(stored.Password, "abc12def"))

	var logs []models.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, ActionAccountRegister, logs[0].Action)
	require.Equal(t, "10.0.0.1", logs[0].IPAddress)
}

func TestRegisterFieldRules(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(*RegisterInput)
		field string
	}{
		{"username required", func(in *RegisterInput) { in.Username = "" }, "username"},
		{"username too short", func(in *RegisterInput) { in.Username = "abc" }, "username"},
		{"username too long", func(in *RegisterInput) { in.Username = "abcdefghi" }, "username"},
		{"username needs letters", func(in *RegisterInput) { in.Username = "ab123" }, "username"},
		{"username no symbols", func(in *RegisterInput) { in.Username = "ali-ce" }, "username"},
		{"username no spaces", func(in *RegisterInput) { in.Username = "al ice" }, "username"},
		{"email format", func(in *RegisterInput) { in.Email = "not-an-email" }, "email"},
		{"password too short", func(in *RegisterInput) { in.Password, in.PasswordRepeat = "ab12", "ab12" }, "password"},
		{"password too long", func(in *RegisterInput) { in.Password, in.PasswordRepeat = "abcdefgh1234567x", "abcdefgh1234567x" }, "password"},
		{"password needs digits", func(in *RegisterInput) { in.Password, in.PasswordRepeat = "abcdefg1", "abcdefg1" }, "password"},
		{"password needs letters", func(in *RegisterInput) { in.Password, in.PasswordRepeat = "1234567a", "1234567a" }, "password"},
		{"repeat must match", func(in *RegisterInput) { in.PasswordRepeat = "abc12xyz" }, "password_repeat"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, accounts, _, _ := newAccountFixture(t)
			in := validRegistration()
			tc.edit(&in)

			user, errs, err := accounts.Register(context.Background(), in, auth.Request{})
			require.NoError(t, err)
			require.Nil(t, user)
			require.True(t, errs.Has(tc.field), "expected %s error, got %v", tc.field, errs)

			var count int64
			require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
			require.Zero(t, count)
		})
	}
}

func TestRegisterRejectsTakenUsernameAndEmail(t *testing.T) {
	_, accounts, _, _ := newAccountFixture(t)
	ctx := context.Background()

	_, errs, err := accounts.Register(ctx, validRegistration(), auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)

	_, errs, err = accounts.Register(ctx, validRegistration(), auth.Request{})
	require.NoError(t, err)
	require.True(t, errs.Has("username"))
	require.True(t, errs.Has("email"))
}

func TestRegisterClearsFailedLogins(t *testing.T) {
	db, accounts, throttle, _ := newAccountFixture(t)
	ctx := context.Background()

	require.NoError(t, throttle.Record(ctx, "alice"))
	require.NoError(t, throttle.Record(ctx, "alice@example.com"))
	require.NoError(t, throttle.Record(ctx, "someone"))

	_, errs, err := accounts.Register(ctx, validRegistration(), auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)

	var remaining []models.FailedLogin
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, "someone", remaining[0].Login)
}

func TestFindReturnsNilForUnknownAccounts(t *testing.T) {
	_, accounts, _, _ := newAccountFixture(t)
	ctx := context.Background()

	user, err := accounts.FindByUsername(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, user)

	user, err = accounts.FindByEmail(ctx, "ghost@example.com")
	require.NoError(t, err)
	require.Nil(t, user)

	user, err = accounts.FindByUsername(ctx, "  ")
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestActivateByUsernameOrEmail(t *testing.T) {
	_, accounts, _, _ := newAccountFixture(t)
	ctx := context.Background()

	_, _, err := accounts.Register(ctx, validRegistration(), auth.Request{})
	require.NoError(t, err)

	user, err := accounts.Activate(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, user.IsActive())

	stored, err := accounts.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, models.UserStatusActive, stored.Status)

	_, err = accounts.Activate(ctx, "ghost")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestUnblockReactivatesLockedAccount(t *testing.T) {
	_, accounts, throttle, _ := newAccountFixture(t)
	ctx := context.Background()

	_, _, err := accounts.Register(ctx, validRegistration(), auth.Request{})
	require.NoError(t, err)
	for i := 0; i < auth.DefaultThrottleBlock; i++ {
		require.NoError(t, throttle.Record(ctx, "alice"))
	}
	_, err = throttle.Throttle(ctx, "alice")
	require.NoError(t, err)

	blocked, err := throttle.Blocked(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, blocked)

	locked, err := accounts.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, models.UserStatusLocked, locked.Status)

	require.NoError(t, throttle.Unblock(ctx, "alice"))

	blocked, err = throttle.Blocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, blocked)

	active, err := accounts.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.True(t, active.IsActive())
}
