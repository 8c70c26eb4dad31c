package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/internal/session"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
)

const (
	// DefaultAutologinCookie names the persistent login cookie.
	DefaultAutologinCookie = "SKAUTOLOGIN"
	// DefaultAutologinLifetime is the persistent cookie lifetime and token retention.
	DefaultAutologinLifetime = 30 * 24 * time.Hour

	tokenBytes = 16
	tokenLen   = tokenBytes * 2
)

// AutologinConfig tunes the persistent login protocol.
type AutologinConfig struct {
	CookieName string
	Domain     string
	Path       string
	Secure     bool
	HTTPOnly   bool
	SameSite   http.SameSite
	Lifetime   time.Duration
	Retention  time.Duration
	// TokenIndex selects the token digit that names the user key splice offset.
	TokenIndex int
	Clock      func() time.Time
	Auditor    Auditor
	Notifier   Notifier
}

// Autologin issues, restores and revokes remember-me tokens.
type Autologin struct {
	tokens   *TokenStore
	accounts AccountStore
	sessions *session.Manager
	cfg      AutologinConfig
	now      func() time.Time
	log      *zap.Logger
}

// NewAutologin constructs the persistent login protocol.
func NewAutologin(tokens *TokenStore, accounts AccountStore, sessions *session.Manager, cfg AutologinConfig) (*Autologin, error) {
	if tokens == nil {
		return nil, errors.New("autologin: token store is required")
	}
	if accounts == nil {
		return nil, errors.New("autologin: account store is required")
	}
	if sessions == nil {
		return nil, errors.New("autologin: session manager is required")
	}

	if strings.TrimSpace(cfg.CookieName) == "" {
		cfg.CookieName = DefaultAutologinCookie
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultAutologinLifetime
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultAutologinLifetime
	}
	cfg.TokenIndex = clampTokenIndex(cfg.TokenIndex)

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &Autologin{
		tokens:   tokens,
		accounts: accounts,
		sessions: sessions,
		cfg:      cfg,
		now:      clock,
		log:      logger.WithModule("autologin"),
	}, nil
}

// CookieName returns the persistent login cookie name.
func (a *Autologin) CookieName() string {
	return a.cfg.CookieName
}

// Issue creates a persistent login for the user named in the session.
func (a *Autologin) Issue(ctx context.Context, ex Exchange) error {
	sess := ex.Session
	user, err := a.accounts.FindByUsername(ctx, sess.String(session.KeyUsername))
	if err != nil {
		return fmt.Errorf("autologin: resolve user: %w", err)
	}
	if user == nil || user.UserKey == "" {
		return nil
	}
	sess.Set(session.KeyUserKey, user.UserKey)

	snapshot, err := a.tokens.LatestSnapshot(ctx, user.UserKey)
	if err != nil {
		return err
	}
	if len(snapshot) > 0 {
		previous, decodeErr := a.sessions.Codec().Decode(snapshot)
		if decodeErr != nil {
			a.log.Warn("ignoring undecodable session snapshot", zap.Error(decodeErr))
		} else {
			dropStepUp(previous)
			for key, value := range sess.Values() {
				previous[key] = value
			}
			sess.Replace(previous)
		}
	}

	if err := a.rotate(ctx, ex, user); err != nil {
		return err
	}
	sess.Set(session.KeyPersistent, true)
	sess.Delete(session.KeyAutologinCookie)

	metrics.AutologinEvents.WithLabelValues("issued").Inc()
	a.log.Debug("persistent login issued", zap.String("user", user.Username))
	return nil
}

// Restore attempts a silent login from the persistent login cookie. Stale or
// foreign cookies are ignored. A replayed token wipes every token of the user
// and destroys the session.
func (a *Autologin) Restore(ctx context.Context, ex Exchange) error {
	user, candidates, err := a.parseCookie(ctx, ex.Request)
	if err != nil || user == nil {
		return err
	}

	if _, err := a.tokens.Purge(ctx, a.now().Add(-a.cfg.Retention)); err != nil {
		return err
	}

	for _, token := range candidates {
		consumed, err := a.tokens.Consume(ctx, user.UserKey, token)
		if err != nil {
			return err
		}
		if consumed {
			return a.cookieLogin(ctx, ex, user)
		}
	}

	for _, token := range candidates {
		exists, err := a.tokens.Exists(ctx, user.UserKey, token)
		if err != nil {
			return err
		}
		if exists {
			return a.replay(ctx, ex, user)
		}
	}

	metrics.AutologinEvents.WithLabelValues("ignored").Inc()
	return nil
}

// Logout revokes persistent logins. With all set every token of the user is
// deleted; otherwise only the token presented in the cookie is retired. The
// cookie is always expired.
func (a *Autologin) Logout(ctx context.Context, ex Exchange, all bool) error {
	defer a.expireCookie(ex.Cookies)

	user, candidates, err := a.parseCookie(ctx, ex.Request)
	if err != nil {
		return err
	}

	userKey := ex.Session.String(session.KeyUserKey)
	if userKey == "" && user != nil {
		userKey = user.UserKey
	}
	if userKey == "" {
		return nil
	}

	if all {
		if _, err := a.tokens.DeleteAll(ctx, userKey); err != nil {
			return err
		}
	} else if user != nil && user.UserKey == userKey {
		for _, token := range candidates {
			if err := a.tokens.MarkUsed(ctx, userKey, token); err != nil {
				return err
			}
		}
	}

	metrics.AutologinEvents.WithLabelValues("revoked").Inc()
	a.audit(ctx, newEvent(ActionAutologinRevoke, ex.Session.String(session.KeyUsername), "success", ex.Request).
		with("all", all))
	return nil
}

func (a *Autologin) cookieLogin(ctx context.Context, ex Exchange, user *models.User) error {
	sess := ex.Session

	snapshot, err := a.tokens.LatestSnapshot(ctx, user.UserKey)
	if err != nil {
		return err
	}
	if len(snapshot) > 0 {
		restored, decodeErr := a.sessions.Codec().Decode(snapshot)
		if decodeErr != nil {
			a.log.Warn("ignoring undecodable session snapshot", zap.Error(decodeErr))
		} else {
			for key, value := range restored {
				sess.Set(key, value)
			}
		}
	}

	if err := a.sessions.Regenerate(ctx, sess); err != nil {
		return err
	}

	sess.Set(session.KeyUsername, user.Username)
	sess.Set(session.KeyUserKey, user.UserKey)
	sess.Set(session.KeyAutologinCookie, true)
	sess.Delete(session.KeyAuthenticated)
	sess.Delete(session.KeyPersistent)
	dropStepUp(sess.Values())

	if err := a.rotate(ctx, ex, user); err != nil {
		return err
	}

	metrics.AutologinEvents.WithLabelValues("restored").Inc()
	a.audit(ctx, newEvent(ActionAutologinRestore, user.Username, "success", ex.Request))
	return nil
}

// dropStepUp removes the revalidation state of a snapshot. Step-up results
// belong to the session that earned them.
func dropStepUp(values session.Values) {
	values.Delete(session.KeyRevalidated)
	values.Delete(session.KeyInvalidRevalidations)
}

func (a *Autologin) replay(ctx context.Context, ex Exchange, user *models.User) error {
	if _, err := a.tokens.DeleteAll(ctx, user.UserKey); err != nil {
		return err
	}
	if err := a.sessions.Destroy(ctx, ex.Session); err != nil {
		return err
	}
	a.expireCookie(ex.Cookies)

	metrics.AutologinEvents.WithLabelValues("replay").Inc()
	a.log.Warn("autologin token replay detected",
		zap.String("user", user.Username),
		zap.String("remote_ip", ex.Request.RemoteAddr),
	)
	a.audit(ctx, newEvent(ActionAutologinReplay, user.Username, "failure", ex.Request))
	if a.cfg.Notifier != nil {
		if err := a.cfg.Notifier.AutologinReplay(ctx, user, ex.Request); err != nil {
			a.log.Warn("replay notification failed", zap.Error(err))
		}
	}
	return nil
}

func (a *Autologin) rotate(ctx context.Context, ex Exchange, user *models.User) error {
	token, err := crypto.GenerateHexToken(tokenBytes)
	if err != nil {
		return fmt.Errorf("autologin: generate token: %w", err)
	}
	if err := a.tokens.Replace(ctx, user.UserKey, token); err != nil {
		return err
	}
	a.setCookie(ex.Cookies, user.Username+"|"+splice(token, user.UserKey, a.cfg.TokenIndex))
	return nil
}

// parseCookie resolves the user and token candidates carried by the cookie. A
// missing or malformed cookie yields a nil user.
func (a *Autologin) parseCookie(ctx context.Context, req Request) (*models.User, []string, error) {
	value, ok := req.Cookie(a.cfg.CookieName)
	if !ok || value == "" {
		return nil, nil, nil
	}
	username, composite, ok := strings.Cut(value, "|")
	if !ok || username == "" || composite == "" {
		return nil, nil, nil
	}

	user, err := a.accounts.FindByUsername(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("autologin: resolve user: %w", err)
	}
	if user == nil || user.UserKey == "" {
		return nil, nil, nil
	}

	candidates := unsplice(composite, user.UserKey, a.cfg.TokenIndex, tokenLen)
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	return user, candidates, nil
}

func (a *Autologin) setCookie(jar session.CookieJar, value string) {
	if jar == nil {
		return
	}
	cookie := a.baseCookie(value)
	cookie.MaxAge = int(a.cfg.Lifetime / time.Second)
	cookie.Expires = a.now().Add(a.cfg.Lifetime)
	jar.SetCookie(cookie)
}

func (a *Autologin) expireCookie(jar session.CookieJar) {
	if jar == nil {
		return
	}
	cookie := a.baseCookie("")
	cookie.MaxAge = -1
	cookie.Expires = a.now().Add(-24 * time.Hour)
	jar.SetCookie(cookie)
}

func (a *Autologin) baseCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    value,
		Path:     a.cfg.Path,
		Domain:   a.cfg.Domain,
		Secure:   a.cfg.Secure,
		HttpOnly: a.cfg.HTTPOnly,
		SameSite: a.cfg.SameSite,
	}
}

func (a *Autologin) audit(ctx context.Context, event Event) {
	if a.cfg.Auditor == nil {
		return
	}
	if err := a.cfg.Auditor.Record(ctx, event); err != nil {
		a.log.Warn("audit record failed", zap.String("action", event.Action), zap.Error(err))
	}
}
