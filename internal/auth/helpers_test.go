package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/database/testutil"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/internal/session"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
)

const testPassword = "secret12"

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// gormAccounts is a minimal AccountStore over the users table.
type gormAccounts struct {
	db *gorm.DB
}

func (s *gormAccounts) find(ctx context.Context, column, value string) (*models.User, error) {
	var user models.User
	err := database.Conn(ctx, s.db).Where(column+" = ?", value).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *gormAccounts) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.find(ctx, "username", username)
}

func (s *gormAccounts) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.find(ctx, "email", email)
}

func (s *gormAccounts) UpdateStatus(ctx context.Context, username string, status int) error {
	return database.Conn(ctx, s.db).Model(&models.User{}).Where("username = ?", username).Update("status", status).Error
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) Record(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) actions() []string {
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Action)
	}
	return out
}

type notifierRecorder struct {
	blocked []string
	replays []string
}

func (n *notifierRecorder) AccountBlocked(_ context.Context, user *models.User) error {
	n.blocked = append(n.blocked, user.Username)
	return nil
}

func (n *notifierRecorder) AutologinReplay(_ context.Context, user *models.User, _ Request) error {
	n.replays = append(n.replays, user.Username)
	return nil
}

// browser is a client that keeps the cookies it is sent.
type browser struct {
	ip      string
	agent   string
	cookies map[string]string
}

func newBrowser() *browser {
	return &browser{ip: "10.0.0.1", agent: "unit-test/1.0", cookies: map[string]string{}}
}

func (b *browser) SetCookie(cookie *http.Cookie) {
	if cookie.MaxAge < 0 {
		delete(b.cookies, cookie.Name)
		return
	}
	b.cookies[cookie.Name] = cookie.Value
}

func (b *browser) request() Request {
	cookies := make(map[string]string, len(b.cookies))
	for name, value := range b.cookies {
		cookies[name] = value
	}
	return Request{RemoteAddr: b.ip, UserAgent: b.agent, URI: "/", Cookies: cookies}
}

type harness struct {
	t         *testing.T
	db        *gorm.DB
	clock     *testClock
	accounts  *gormAccounts
	manager   *session.Manager
	tokens    *TokenStore
	autologin *Autologin
	service   *Service
	throttle  *Throttle
	audit     *eventRecorder
	notifier  *notifierRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}

	store, err := session.NewStore(db, session.StoreConfig{MaxLifetime: 72 * time.Hour, Clock: clock.Now})
	require.NoError(t, err)

	tokens, err := NewTokenStore(db, clock.Now)
	require.NoError(t, err)

	manager, err := session.NewManager(store, session.ManagerConfig{
		Cookie:    session.CookieConfig{Name: "sid", HTTPOnly: true},
		Snapshots: tokens,
		Clock:     clock.Now,
		Random:    func(int) int { return 99 },
	})
	require.NoError(t, err)

	accounts := &gormAccounts{db: db}
	audit := &eventRecorder{}
	notifier := &notifierRecorder{}

	autologin, err := NewAutologin(tokens, accounts, manager, AutologinConfig{
		CookieName: "remember",
		HTTPOnly:   true,
		TokenIndex: 3,
		Clock:      clock.Now,
		Auditor:    audit,
		Notifier:   notifier,
	})
	require.NoError(t, err)

	service, err := NewService(manager, accounts, autologin, Config{Clock: clock.Now, Auditor: audit})
	require.NoError(t, err)

	throttle, err := NewThrottle(db, accounts, ThrottleConfig{Clock: clock.Now, Auditor: audit, Notifier: notifier})
	require.NoError(t, err)

	return &harness{
		t:         t,
		db:        db,
		clock:     clock,
		accounts:  accounts,
		manager:   manager,
		tokens:    tokens,
		autologin: autologin,
		service:   service,
		throttle:  throttle,
		audit:     audit,
		notifier:  notifier,
	}
}

func (h *harness) createUser(username, role string) *models.User {
	h.t.Helper()

	hash, err := crypto.HashPasswordCost(testPassword, bcrypt.MinCost)
	require.NoError(h.t, err)
	userKey, err := crypto.GenerateHexToken(8)
	require.NoError(h.t, err)

	user := &models.User{
		UserKey:  userKey,
		Username: username,
		Email:    username + "@example.com",
		Password: hash,
		Role:     role,
		Status:   models.UserStatusActive,
	}
	require.NoError(h.t, h.db.Create(user).Error)
	return user
}

// do runs fn as one request from b and commits the session afterwards.
func (h *harness) do(b *browser, fn func(ctx context.Context, a *Authenticator, sess *session.Session)) {
	h.t.Helper()

	req := b.request()
	ctx, sess, err := h.manager.Start(context.Background(), req.Cookies[h.manager.CookieName()], b)
	require.NoError(h.t, err)

	authn := h.service.For(Exchange{Request: req, Session: sess, Cookies: b})
	fn(ctx, authn, sess)

	require.NoError(h.t, h.manager.Commit(ctx, sess))
}

func (h *harness) login(b *browser, rememberMe bool) {
	h.t.Helper()
	h.do(b, func(ctx context.Context, a *Authenticator, _ *session.Session) {
		ok, err := a.Login(ctx, Credentials{Login: "alice", Password: testPassword, RememberMe: rememberMe})
		require.NoError(h.t, err)
		require.True(h.t, ok)
	})
}

func (h *harness) unusedTokens(userKey string) []models.AutologinToken {
	h.t.Helper()
	rows, err := h.tokens.Unused(context.Background(), userKey)
	require.NoError(h.t, err)
	return rows
}
