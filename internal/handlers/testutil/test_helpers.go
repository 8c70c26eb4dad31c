package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/api"
	"github.com/charlesng35/sessionkeeper/internal/app"
	"github.com/charlesng35/sessionkeeper/internal/auth"
	sharedtestutil "github.com/charlesng35/sessionkeeper/internal/database/testutil"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/internal/monitoring"
	"github.com/charlesng35/sessionkeeper/internal/monitoring/checks"
	"github.com/charlesng35/sessionkeeper/internal/services"
	"github.com/charlesng35/sessionkeeper/internal/session"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
	"github.com/charlesng35/sessionkeeper/pkg/mail"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

// Password is the password of every account created through CreateUser.
const Password = "secret12"

// Clock is a manually advanced clock shared by every component of an Env.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T        *testing.T
	DB       *gorm.DB
	Config   *app.Config
	Clock    *Clock
	Router   *gin.Engine
	Auth     *auth.Service
	Throttle *auth.Throttle
	Accounts *services.AccountService
	Audit    *services.AuditService
	Mailer   *mail.Recorder

	cookies map[string]string
}

// Option adjusts the configuration before the router is built.
type Option func(*app.Config)

// TestConfig returns the configuration every Env starts from.
func TestConfig() *app.Config {
	return &app.Config{
		Server: app.ServerConfig{CSRF: app.CSRFConfig{Enabled: true}},
		Session: app.SessionConfig{
			CookieName:    "SKSESSID",
			Path:          "/",
			HTTPOnly:      true,
			SameSite:      "lax",
			MaxLifetime:   72 * time.Hour,
			GCProbability: 0,
			GCDivisor:     100,
			Transactional: true,
		},
		Autologin: app.AutologinConfig{
			CookieName: "SKAUTOLOGIN",
			Lifetime:   720 * time.Hour,
			Retention:  720 * time.Hour,
			TokenIndex: 3,
		},
		Auth: app.AuthConfig{
			MaxSessionAge:  24 * time.Hour,
			RevalidateMax:  2,
			PrivilegedRole: models.RoleAdmin,
			AdminContact:   "security@example.com",
		},
		Accounts: app.AccountsConfig{
			ActivationTTL:    24 * time.Hour,
			PasswordResetTTL: 2 * time.Hour,
			ActivationURL:    "https://app.example.com/activate",
			PasswordResetURL: "https://app.example.com/reset",
		},
		Throttle:  app.ThrottleConfig{Times: 3, Delay: time.Minute, Block: 5},
		RateLimit: app.RateLimitConfig{Enabled: true, LoginRequests: 100, Window: time.Minute},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true, Timeout: time.Second},
		},
		Notifications: app.NotificationConfig{Enabled: true, From: "security@example.com"},
	}
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...Option) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := TestConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())
	clock := &Clock{current: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}

	audit, err := services.NewAuditService(db, clock.Now)
	require.NoError(t, err)

	mailer := &mail.Recorder{}
	notifierCfg := cfg.NotifierConfig()
	notifierCfg.Clock = clock.Now
	notifier, err := services.NewSecurityNotifier(mailer, notifierCfg)
	require.NoError(t, err)

	tokens, err := auth.NewTokenStore(db, clock.Now)
	require.NoError(t, err)

	accountOpts := cfg.AccountOptions()
	accountOpts.HashCost = bcrypt.MinCost
	accountOpts.Audit = audit
	accountOpts.Tokens = tokens
	accountOpts.Mailer = notifier
	accountOpts.Clock = clock.Now
	accounts, err := services.NewAccountService(db, accountOpts)
	require.NoError(t, err)

	storeCfg := cfg.Session.StoreConfig()
	storeCfg.Clock = clock.Now
	store, err := session.NewStore(db, storeCfg)
	require.NoError(t, err)

	managerCfg := cfg.Session.ManagerConfig()
	managerCfg.Snapshots = tokens
	managerCfg.Clock = clock.Now
	manager, err := session.NewManager(store, managerCfg)
	require.NoError(t, err)

	autologinCfg := cfg.AutologinProtocolConfig()
	autologinCfg.Clock = clock.Now
	autologinCfg.Auditor = audit
	autologinCfg.Notifier = notifier
	autologin, err := auth.NewAutologin(tokens, accounts, manager, autologinCfg)
	require.NoError(t, err)

	serviceCfg := cfg.Auth.ServiceConfig()
	serviceCfg.Clock = clock.Now
	serviceCfg.Auditor = audit
	service, err := auth.NewService(manager, accounts, autologin, serviceCfg)
	require.NoError(t, err)

	throttleCfg := cfg.Throttle.ThrottleServiceConfig()
	throttleCfg.Clock = clock.Now
	throttleCfg.Auditor = audit
	throttleCfg.Notifier = notifier
	throttle, err := auth.NewThrottle(db, accounts, throttleCfg)
	require.NoError(t, err)

	accounts.SetFailureClearer(throttle)

	health := monitoring.NewHealthManager(checks.Database(db, cfg.Monitoring.Health.Timeout))

	router, err := api.NewRouter(cfg, api.Dependencies{
		Sessions:  manager,
		Auth:      service,
		Throttle:  throttle,
		Accounts:  accounts,
		Audit:     audit,
		Health:    health,
		RateStore: middleware.NewMemoryRateStore(clock.Now),
	})
	require.NoError(t, err)

	return &Env{
		T:        t,
		DB:       db,
		Config:   cfg,
		Clock:    clock,
		Router:   router,
		Auth:     service,
		Throttle: throttle,
		Accounts: accounts,
		Audit:    audit,
		Mailer:   mailer,
		cookies:  map[string]string{},
	}
}

// CreateUser inserts an account with Password as its password.
func (e *Env) CreateUser(username, role string, status int) *models.User {
	e.T.Helper()

	hashed, err := crypto.HashPasswordCost(Password, bcrypt.MinCost)
	require.NoError(e.T, err)
	userKey, err := crypto.GenerateHexToken(8)
	require.NoError(e.T, err)

	user := &models.User{
		UserKey:  userKey,
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		Role:     role,
		Status:   status,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// MailedToken returns the token query parameter of the newest link mailed
// with subject.
func (e *Env) MailedToken(subject string) string {
	e.T.Helper()

	messages := e.Mailer.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Subject != subject {
			continue
		}
		match := mailedTokenPattern.FindStringSubmatch(messages[i].Body)
		require.NotNil(e.T, match, "no link in %q", messages[i].Body)
		token, err := url.QueryUnescape(match[1])
		require.NoError(e.T, err)
		return token
	}
	require.FailNow(e.T, "no mail with subject "+subject)
	return ""
}

var mailedTokenPattern = regexp.MustCompile(`[?&]token=([^\s&]+)`)

// Cookie returns the value the client currently holds for name.
func (e *Env) Cookie(name string) (string, bool) {
	value, ok := e.cookies[name]
	return value, ok
}

// SetCookie makes the client present name=value from now on.
func (e *Env) SetCookie(name, value string) {
	e.cookies[name] = value
}

// DropCookie forgets a cookie, as a browser does with session cookies on restart.
func (e *Env) DropCookie(name string) {
	delete(e.cookies, name)
}

// ClearCookies starts over with an empty cookie jar, as a second browser would.
func (e *Env) ClearCookies() {
	e.cookies = map[string]string{}
}

// Login posts credentials and returns the raw response.
func (e *Env) Login(login, password string, rememberMe bool) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.Request(http.MethodPost, "/api/auth/login", map[string]any{
		"login":       login,
		"password":    password,
		"remember_me": rememberMe,
	})
}

// MustLogin logs in and requires success.
func (e *Env) MustLogin(login string, rememberMe bool) {
	e.T.Helper()
	w := e.Login(login, Password, rememberMe)
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())
}

// CSRFToken fetches the token bound to the current session.
func (e *Env) CSRFToken() string {
	e.T.Helper()

	w := e.do(http.MethodGet, "/api/auth/csrf", nil, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	var payload struct {
		Token string `json:"csrf_token"`
	}
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &payload)
	require.NotEmpty(e.T, payload.Token)
	return payload.Token
}

// Request executes an HTTP request against the test router. Unsafe methods
// first fetch a CSRF token for the current session.
func (e *Env) Request(method, path string, body any) *httptest.ResponseRecorder {
	e.T.Helper()

	token := ""
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		token = e.CSRFToken()
	}
	return e.do(method, path, body, token)
}

// RequestWithoutCSRF executes a request without a CSRF header.
func (e *Env) RequestWithoutCSRF(method, path string, body any) *httptest.ResponseRecorder {
	e.T.Helper()
	return e.do(method, path, body, "")
}

func (e *Env) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("User-Agent", "handler-test/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(middleware.CSRFHeaderName, token)
	}
	for name, value := range e.cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)

	for _, cookie := range w.Result().Cookies() {
		if cookie.MaxAge < 0 || cookie.Value == "" {
			delete(e.cookies, cookie.Name)
			continue
		}
		e.cookies[cookie.Name] = cookie.Value
	}
	return w
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}
