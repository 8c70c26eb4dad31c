package services

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/database/testutil"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
)

type linkMailer struct {
	mu          sync.Mutex
	activations []string
	resets      []string
	changed     []string
}

func (m *linkMailer) ActivationRequested(_ context.Context, _ *models.User, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations = append(m.activations, link)
	return nil
}

func (m *linkMailer) PasswordResetRequested(_ context.Context, _ *models.User, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, link)
	return nil
}

func (m *linkMailer) PasswordChanged(_ context.Context, user *models.User, _ auth.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = append(m.changed, user.Username)
	return nil
}

func (m *linkMailer) lastToken(t *testing.T, links []string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, links)
	parsed, err := url.Parse(links[len(links)-1])
	require.NoError(t, err)
	return parsed.Query().Get("token")
}

type credentialFixture struct {
	db       *gorm.DB
	accounts *AccountService
	throttle *auth.Throttle
	tokens   *auth.TokenStore
	mailer   *linkMailer
	clock    *testClock
}

func newCredentialFixture(t *testing.T) *credentialFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()
	audit, err := NewAuditService(db, clock.Now)
	require.NoError(t, err)
	tokens, err := auth.NewTokenStore(db, clock.Now)
	require.NoError(t, err)

	mailer := &linkMailer{}
	accounts, err := NewAccountService(db, AccountOptions{
		HashCost:      bcrypt.MinCost,
		Audit:         audit,
		Tokens:        tokens,
		Mailer:        mailer,
		ActivationURL: "https://app.example.com/activate",
		ResetURL:      "https://app.example.com/reset?lang=en",
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	throttle, err := auth.NewThrottle(db, accounts, auth.ThrottleConfig{Clock: clock.Now})
	require.NoError(t, err)
	accounts.SetFailureClearer(throttle)

	return &credentialFixture{db: db, accounts: accounts, throttle: throttle, tokens: tokens, mailer: mailer, clock: clock}
}

func (f *credentialFixture) register(t *testing.T) *models.User {
	t.Helper()
	user, errs, err := f.accounts.Register(context.Background(), validRegistration(), auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
	return user
}

func (f *credentialFixture) activeUser(t *testing.T) *models.User {
	t.Helper()
	f.register(t)
	user, err := f.accounts.Activate(context.Background(), "alice")
	require.NoError(t, err)
	return user
}

func TestRegisterMailsActivationLink(t *testing.T) {
	f := newCredentialFixture(t)
	user := f.register(t)

	require.Len(t, f.mailer.activations, 1)
	require.True(t, strings.HasPrefix(f.mailer.activations[0], "https://app.example.com/activate?token="))
	token := f.mailer.lastToken(t, f.mailer.activations)

	var stored models.AccountToken
	require.NoError(t, f.db.Where("user_id = ?", user.ID).Take(&stored).Error)
	require.Equal(t, models.AccountTokenActivation, stored.Purpose)
	require.NotEqual(t, token, stored.TokenHash)
	require.Equal(t, accountTokenHash(token), stored.TokenHash)
	require.WithinDuration(t, f.clock.Now().Add(defaultActivationTTL), stored.ExpiresAt, time.Second)
}

func TestActivateWithTokenIsSingleUse(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.register(t)
	token := f.mailer.lastToken(t, f.mailer.activations)

	user, err := f.accounts.ActivateWithToken(ctx, token, auth.Request{RemoteAddr: "10.0.0.1"})
	require.NoError(t, err)
	require.True(t, user.IsActive())

	stored, err := f.accounts.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, models.UserStatusActive, stored.Status)

	_, err = f.accounts.ActivateWithToken(ctx, token, auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)
	require.Contains(t, err.Error(), "already used")

	_, err = f.accounts.ActivateWithToken(ctx, "unknown", auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)
	_, err = f.accounts.ActivateWithToken(ctx, " ", auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)

	var logs []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", ActionAccountActivate).Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, "10.0.0.1", logs[0].IPAddress)
}

func TestActivationTokenExpires(t *testing.T) {
	f := newCredentialFixture(t)
	f.register(t)
	token := f.mailer.lastToken(t, f.mailer.activations)

	f.clock.Advance(defaultActivationTTL)
	_, err := f.accounts.ActivateWithToken(context.Background(), token, auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)
	require.Contains(t, err.Error(), "expired")

	stored, err := f.accounts.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, models.UserStatusInactive, stored.Status)
}

func TestActivationLeavesLockedAccountLocked(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.register(t)
	token := f.mailer.lastToken(t, f.mailer.activations)
	require.NoError(t, f.accounts.UpdateStatus(ctx, "alice", models.UserStatusLocked))

	user, err := f.accounts.ActivateWithToken(ctx, token, auth.Request{})
	require.NoError(t, err)
	require.Equal(t, models.UserStatusLocked, user.Status)
}

func TestResetTokenCannotActivate(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.activeUser(t)

	_, err := f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	token := f.mailer.lastToken(t, f.mailer.resets)

	_, err = f.accounts.ActivateWithToken(ctx, token, auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)
}

func TestForgotPasswordOnlyMailsActiveAccounts(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.register(t)

	errs, err := f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
	require.Empty(t, f.mailer.resets)

	errs, err = f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "ghost@example.com"}, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
	require.Empty(t, f.mailer.resets)

	errs, err = f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "not-an-email"}, auth.Request{})
	require.NoError(t, err)
	require.True(t, errs.Has("email"))

	_, err = f.accounts.Activate(ctx, "alice")
	require.NoError(t, err)
	_, err = f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: " alice@example.com "}, auth.Request{})
	require.NoError(t, err)
	require.Len(t, f.mailer.resets, 1)
	require.True(t, strings.HasPrefix(f.mailer.resets[0], "https://app.example.com/reset?lang=en&token="))

	var stored models.AccountToken
	require.NoError(t, f.db.Where("purpose = ?", models.AccountTokenPasswordReset).Take(&stored).Error)
	require.WithinDuration(t, f.clock.Now().Add(defaultResetTTL), stored.ExpiresAt, time.Second)
}

func TestForgotPasswordReplacesPendingLink(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.activeUser(t)

	_, err := f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	first := f.mailer.lastToken(t, f.mailer.resets)
	_, err = f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	second := f.mailer.lastToken(t, f.mailer.resets)
	require.NotEqual(t, first, second)

	in := ResetPasswordInput{Token: first, Password: "new12pass", PasswordRepeat: "new12pass"}
	_, _, err = f.accounts.ResetPassword(ctx, in, auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)

	in.Token = second
	_, errs, err := f.accounts.ResetPassword(ctx, in, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
}

func TestResetPasswordRevokesCredentials(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	user := f.activeUser(t)

	require.NoError(t, f.tokens.Replace(ctx, user.UserKey, "remembered"))
	require.NoError(t, f.throttle.Record(ctx, "alice"))
	require.NoError(t, f.throttle.Record(ctx, "alice@example.com"))

	_, err := f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	token := f.mailer.lastToken(t, f.mailer.resets)

	f.clock.Advance(time.Hour)
	in := ResetPasswordInput{Token: token, Password: "new12pass", PasswordRepeat: "new12pass"}
	reset, errs, err := f.accounts.ResetPassword(ctx, in, auth.Request{RemoteAddr: "10.0.0.2"})
	require.NoError(t, err)
	require.Nil(t, errs)
	require.Equal(t, "alice", reset.Username)

	stored, err := f.accounts.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.True(t, crypto.VerifyPassword(stored.Password, "new12pass"))
	require.False(t, crypto.VerifyPassword(stored.Password, "abc12def"))

	exists, err := f.tokens.Exists(ctx, user.UserKey, "remembered")
	require.NoError(t, err)
	require.False(t, exists)

	var failures int64
	require.NoError(t, f.db.Model(&models.FailedLogin{}).Count(&failures).Error)
	require.Zero(t, failures)
	require.Equal(t, []string{"alice"}, f.mailer.changed)

	_, _, err = f.accounts.ResetPassword(ctx, in, auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)

	var logs []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", ActionPasswordReset).Find(&logs).Error)
	require.Len(t, logs, 1)
}

func TestResetPasswordValidatesBeforeRedeeming(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.activeUser(t)

	_, err := f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	token := f.mailer.lastToken(t, f.mailer.resets)

	_, errs, err := f.accounts.ResetPassword(ctx, ResetPasswordInput{Token: token, Password: "short1", PasswordRepeat: "other"}, auth.Request{})
	require.NoError(t, err)
	require.True(t, errs.Has("password"))
	require.True(t, errs.Has("password_repeat"))

	_, errs, err = f.accounts.ResetPassword(ctx, ResetPasswordInput{Token: token, Password: "new12pass", PasswordRepeat: "new12pass"}, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
}

func TestResetLinkExpiresAfterTwoHours(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.activeUser(t)

	_, err := f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	token := f.mailer.lastToken(t, f.mailer.resets)

	f.clock.Advance(2 * time.Hour)
	_, _, err = f.accounts.ResetPassword(ctx, ResetPasswordInput{Token: token, Password: "new12pass", PasswordRepeat: "new12pass"}, auth.Request{})
	require.ErrorIs(t, err, ErrAccountTokenInvalid)
}

func TestUpdateAccountChecksCurrentPassword(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.activeUser(t)

	_, errs, err := f.accounts.UpdateAccount(ctx, "alice", UpdateAccountInput{CurrentPassword: "wrong", Email: "new@example.com"}, auth.Request{})
	require.NoError(t, err)
	require.Equal(t, []string{"wrong password"}, errs["current_password"])

	_, errs, err = f.accounts.UpdateAccount(ctx, "alice", UpdateAccountInput{Email: "new@example.com"}, auth.Request{})
	require.NoError(t, err)
	require.True(t, errs.Has("current_password"))

	stored, err := f.accounts.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", stored.Email)

	_, _, err = f.accounts.UpdateAccount(ctx, "ghost", UpdateAccountInput{CurrentPassword: "abc12def"}, auth.Request{})
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateAccountChangesEmail(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	user := f.activeUser(t)
	require.NoError(t, f.tokens.Replace(ctx, user.UserKey, "remembered"))

	other := validRegistration()
	other.Username, other.Email = "bobby", "bob@example.com"
	_, errs, err := f.accounts.Register(ctx, other, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)

	_, errs, err = f.accounts.UpdateAccount(ctx, "alice", UpdateAccountInput{CurrentPassword: "abc12def", Email: "bob@example.com"}, auth.Request{})
	require.NoError(t, err)
	require.Equal(t, []string{"email address is already registered"}, errs["email"])

	update, errs, err := f.accounts.UpdateAccount(ctx, "alice", UpdateAccountInput{CurrentPassword: "abc12def", Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
	require.False(t, update.EmailChanged)

	update, errs, err = f.accounts.UpdateAccount(ctx, "alice", UpdateAccountInput{CurrentPassword: "abc12def", Email: "alice@new.example.com"}, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
	require.True(t, update.EmailChanged)
	require.False(t, update.PasswordChanged)
	require.Equal(t, "alice@new.example.com", update.User.Email)

	exists, err := f.tokens.Exists(ctx, user.UserKey, "remembered")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestUpdateAccountChangesPassword(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	user := f.activeUser(t)
	require.NoError(t, f.tokens.Replace(ctx, user.UserKey, "remembered"))
	require.NoError(t, f.throttle.Record(ctx, "alice"))

	_, errs, err := f.accounts.UpdateAccount(ctx, "alice", UpdateAccountInput{CurrentPassword: "abc12def", Password: "new12pass"}, auth.Request{})
	require.NoError(t, err)
	require.True(t, errs.Has("password_repeat"))

	update, errs, err := f.accounts.UpdateAccount(ctx, "alice", UpdateAccountInput{
		CurrentPassword: "abc12def",
		Password:        "new12pass",
		PasswordRepeat:  "new12pass",
	}, auth.Request{})
	require.NoError(t, err)
	require.Nil(t, errs)
	require.True(t, update.PasswordChanged)

	stored, err := f.accounts.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.True(t, crypto.VerifyPassword(stored.Password, "new12pass"))

	exists, err := f.tokens.Exists(ctx, user.UserKey, "remembered")
	require.NoError(t, err)
	require.False(t, exists)

	minutes, err := f.throttle.Throttle(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, minutes)
	var failures int64
	require.NoError(t, f.db.Model(&models.FailedLogin{}).Count(&failures).Error)
	require.Zero(t, failures)

	var logs []models.AuditLog
	require.NoError(t, f.db.Where("action = ?", ActionAccountUpdate).Find(&logs).Error)
	require.Len(t, logs, 1)
}

func TestPurgeTokensDropsExpiredAndRedeemed(t *testing.T) {
	f := newCredentialFixture(t)
	ctx := context.Background()
	f.register(t)
	token := f.mailer.lastToken(t, f.mailer.activations)
	_, err := f.accounts.ActivateWithToken(ctx, token, auth.Request{})
	require.NoError(t, err)

	_, err = f.accounts.ForgotPassword(ctx, ForgotPasswordInput{Email: "alice@example.com"}, auth.Request{})
	require.NoError(t, err)

	removed, err := f.accounts.PurgeTokens(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	f.clock.Advance(defaultResetTTL)
	removed, err = f.accounts.PurgeTokens(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var count int64
	require.NoError(t, f.db.Model(&models.AccountToken{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestAccountLink(t *testing.T) {
	require.Equal(t, "abc", accountLink("", "abc"))
	require.Equal(t, "https://x.test/a?token=abc", accountLink("https://x.test/a", "abc"))
	require.Equal(t, "https://x.test/a?b=1&token=a%2Bb", accountLink("https://x.test/a?b=1", "a+b"))
}
