package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/internal/session"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
	"github.com/charlesng35/sessionkeeper/pkg/validator"
)

const (
	// DefaultMaxSessionAge bounds how long after login a session stays valid.
	DefaultMaxSessionAge = 24 * time.Hour
	// DefaultRevalidateMax is the number of failed revalidations that end a session.
	DefaultRevalidateMax = 2
)

const (
	msgWrongCredentials   = "wrong login credentials"
	msgWrongRevalidation  = "wrong validation credentials"
	revalidateFormField   = "form"
	credentialFieldLogin  = "login"
	credentialFieldUser   = "username"
	credentialFieldSecret = "password"
)

// dummyHash equalises the cost of rejecting unknown accounts and wrong passwords.
var dummyHash = sync.OnceValue(func() string {
	hash, err := crypto.HashPassword("sessionkeeper-timing-equaliser")
	if err != nil {
		panic(fmt.Sprintf("auth: hash dummy password: %v", err))
	}
	return hash
})

// Config tunes the authenticator.
type Config struct {
	MaxSessionAge  time.Duration
	RevalidateMax  int
	PrivilegedRole string
	Clock          func() time.Time
	Auditor        Auditor
}

// Service is the long-lived authenticator. For binds it to one request.
type Service struct {
	sessions  *session.Manager
	accounts  AccountStore
	autologin *Autologin
	cfg       Config
	now       func() time.Time
	log       *zap.Logger
}

// NewService constructs the authenticator service.
func NewService(sessions *session.Manager, accounts AccountStore, autologin *Autologin, cfg Config) (*Service, error) {
	if sessions == nil {
		return nil, errors.New("auth service: session manager is required")
	}
	if accounts == nil {
		return nil, errors.New("auth service: account store is required")
	}
	if autologin == nil {
		return nil, errors.New("auth service: autologin is required")
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = DefaultMaxSessionAge
	}
	if cfg.RevalidateMax <= 0 {
		cfg.RevalidateMax = DefaultRevalidateMax
	}
	if strings.TrimSpace(cfg.PrivilegedRole) == "" {
		cfg.PrivilegedRole = models.RoleAdmin
	}
	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}
	return &Service{
		sessions:  sessions,
		accounts:  accounts,
		autologin: autologin,
		cfg:       cfg,
		now:       clock,
		log:       logger.WithModule("auth"),
	}, nil
}

// Autologin exposes the persistent login protocol.
func (s *Service) Autologin() *Autologin {
	return s.autologin
}

// For returns an Authenticator bound to one request.
func (s *Service) For(ex Exchange) *Authenticator {
	return &Authenticator{svc: s, ex: ex, errs: validator.FieldErrors{}}
}

// Authenticator performs authentication operations for a single request.
type Authenticator struct {
	svc  *Service
	ex   Exchange
	errs validator.FieldErrors
}

// Errors returns the field errors raised by the last Login or Revalidate.
func (a *Authenticator) Errors() validator.FieldErrors {
	return a.errs
}

// Login verifies creds and establishes an authenticated session. It returns
// false with field errors when a field is missing or the credentials do not
// match; the error return is reserved for storage failures.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (bool, error) {
	a.errs = validator.FieldErrors{}

	field, identifier := credentialFieldLogin, strings.TrimSpace(creds.Login)
	if identifier == "" && strings.TrimSpace(creds.Username) != "" {
		field, identifier = credentialFieldUser, strings.TrimSpace(creds.Username)
	}
	requireField(a.errs, field, identifier)
	requireField(a.errs, credentialFieldSecret, creds.Password)

	var user *models.User
	if a.errs.Empty() {
		found, err := a.authenticate(ctx, field, identifier, creds.Password)
		if err != nil {
			return false, err
		}
		user = found
		if user == nil {
			a.errs.Add(field, msgWrongCredentials)
		}
	}

	if user == nil {
		metrics.AuthAttempts.WithLabelValues("login", "failure").Inc()
		a.audit(ctx, newEvent(ActionLogin, identifier, "failure", a.ex.Request))
		return false, nil
	}

	sess := a.ex.Session
	if err := a.svc.sessions.Regenerate(ctx, sess); err != nil {
		return false, err
	}
	sess.Set(session.KeyUsername, user.Username)
	sess.Set(session.KeyAuthenticated, true)
	sess.Set(session.KeyRemoteIP, a.ex.Request.RemoteAddr)
	sess.Set(session.KeyUserAgent, a.ex.Request.UserAgent)
	sess.Set(session.KeyLastLogin, a.svc.now().Unix())

	metrics.AuthAttempts.WithLabelValues("login", "success").Inc()
	a.audit(ctx, newEvent(ActionLogin, user.Username, "success", a.ex.Request))

	valid, err := a.ConfirmIsValid(ctx)
	if err != nil {
		return false, err
	}

	if valid && creds.RememberMe && user.Role != a.svc.cfg.PrivilegedRole {
		if err := a.svc.autologin.Issue(ctx, a.ex); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Revalidate re-verifies the credentials of the user owning the session before
// a sensitive action. Reaching the configured number of failures ends the
// session and revokes its persistent logins.
func (a *Authenticator) Revalidate(ctx context.Context, creds Credentials) (bool, error) {
	a.errs = validator.FieldErrors{}
	sess := a.ex.Session

	username := strings.TrimSpace(creds.Username)
	requireField(a.errs, credentialFieldUser, username)
	requireField(a.errs, credentialFieldSecret, creds.Password)

	failures, _ := sess.Int64(session.KeyInvalidRevalidations)

	var user *models.User
	if username != "" && creds.Password != "" {
		found, err := a.authenticate(ctx, credentialFieldUser, username, creds.Password)
		if err != nil {
			return false, err
		}
		if found != nil && found.Username == sess.String(session.KeyUsername) {
			user = found
		}
		if user == nil {
			a.errs.Add(revalidateFormField, msgWrongRevalidation)
			failures++
			sess.Set(session.KeyInvalidRevalidations, failures)
			metrics.AuthAttempts.WithLabelValues("revalidate", "failure").Inc()
			a.audit(ctx, newEvent(ActionRevalidate, sess.String(session.KeyUsername), "failure", a.ex.Request).
				with("failures", failures))
		}
	}

	if failures >= int64(a.svc.cfg.RevalidateMax) {
		if sess.Bool(session.KeyPersistent) || sess.Bool(session.KeyAutologinCookie) {
			if err := a.svc.autologin.Logout(ctx, a.ex, true); err != nil {
				return false, err
			}
		}
		if err := a.forceLogout(ctx, "revalidation"); err != nil {
			return false, err
		}
		return false, nil
	}

	if user == nil || !a.errs.Empty() {
		return false, nil
	}

	if err := a.svc.sessions.Regenerate(ctx, sess); err != nil {
		return false, err
	}
	sess.Set(session.KeyRevalidated, true)
	metrics.AuthAttempts.WithLabelValues("revalidate", "success").Inc()
	return true, nil
}

// IsLoggedIn reports whether the session is authenticated, attempting a
// silent autologin when it is not. A password session that fails the
// integrity check is logged out.
func (a *Authenticator) IsLoggedIn(ctx context.Context) (bool, error) {
	sess := a.ex.Session
	if sess.Bool(session.KeyAuthenticated) {
		return a.ConfirmIsValid(ctx)
	}
	if sess.Bool(session.KeyAutologinCookie) {
		return true, nil
	}

	if err := a.svc.autologin.Restore(ctx, a.ex); err != nil {
		return false, err
	}
	return sess.Bool(session.KeyAutologinCookie), nil
}

// User returns the account bound to the session, or nil when logged out.
func (a *Authenticator) User(ctx context.Context) (*models.User, error) {
	loggedIn, err := a.IsLoggedIn(ctx)
	if err != nil || !loggedIn {
		return nil, err
	}
	user, err := a.svc.accounts.FindByUsername(ctx, a.ex.Session.String(session.KeyUsername))
	if err != nil {
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	return user, nil
}

// UserIsAdmin reports whether the session user has the privileged role.
func (a *Authenticator) UserIsAdmin(ctx context.Context) (bool, error) {
	user, err := a.User(ctx)
	if err != nil || user == nil {
		return false, err
	}
	return user.Role == a.svc.cfg.PrivilegedRole, nil
}

// Logout clears the session and expires its cookie. Persistent logins are
// left alone; revoke them through Autologin.Logout.
func (a *Authenticator) Logout(ctx context.Context) error {
	return a.svc.sessions.Destroy(ctx, a.ex.Session)
}

// ConfirmIsValid runs the integrity check and logs the session out when it
// fails.
func (a *Authenticator) ConfirmIsValid(ctx context.Context) (bool, error) {
	reason := a.integrityFailure()
	if reason == "" {
		return true, nil
	}
	if err := a.forceLogout(ctx, reason); err != nil {
		return false, err
	}
	return false, nil
}

// integrityFailure names the first failing integrity check, or returns "".
func (a *Authenticator) integrityFailure() string {
	sess := a.ex.Session
	req := a.ex.Request

	storedIP := sess.String(session.KeyRemoteIP)
	if storedIP == "" || req.RemoteAddr == "" || storedIP != req.RemoteAddr {
		return "ip_mismatch"
	}

	storedUA := sess.String(session.KeyUserAgent)
	if storedUA == "" && req.UserAgent == "" {
		return "user_agent_missing"
	}
	if storedUA != req.UserAgent {
		return "user_agent_mismatch"
	}

	lastLogin, ok := sess.Int64(session.KeyLastLogin)
	if !ok {
		return "login_age_unknown"
	}
	if time.Unix(lastLogin, 0).Add(a.svc.cfg.MaxSessionAge).Before(a.svc.now()) {
		return "login_expired"
	}
	return ""
}

func (a *Authenticator) forceLogout(ctx context.Context, reason string) error {
	username := a.ex.Session.String(session.KeyUsername)
	if err := a.Logout(ctx); err != nil {
		return err
	}
	metrics.ForcedLogouts.WithLabelValues(reason).Inc()
	a.svc.log.Info("session logged out", zap.String("reason", reason), zap.String("user", username))
	a.audit(ctx, newEvent(ActionForcedLogout, username, reason, a.ex.Request))
	return nil
}

// authenticate resolves identifier and verifies password. Unknown accounts
// are checked against a dummy hash so both failures cost the same.
func (a *Authenticator) authenticate(ctx context.Context, field, identifier, password string) (*models.User, error) {
	var (
		user *models.User
		err  error
	)
	if field == credentialFieldLogin && validator.IsEmail(identifier) {
		user, err = a.svc.accounts.FindByEmail(ctx, identifier)
	} else {
		user, err = a.svc.accounts.FindByUsername(ctx, identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: resolve account: %w", err)
	}

	if user == nil {
		crypto.VerifyPassword(dummyHash(), password)
		return nil, nil
	}
	if !crypto.VerifyPassword(user.Password, password) {
		return nil, nil
	}
	return user, nil
}

func (a *Authenticator) audit(ctx context.Context, event Event) {
	if a.svc.cfg.Auditor == nil {
		return
	}
	if err := a.svc.cfg.Auditor.Record(ctx, event); err != nil {
		a.svc.log.Warn("audit record failed", zap.String("action", event.Action), zap.Error(err))
	}
}

func requireField(errs validator.FieldErrors, field, value string) {
	if strings.TrimSpace(value) == "" {
		errs.Add(field, validator.Message(validator.ValidationError{Field: field, Tag: "required"}))
	}
}
