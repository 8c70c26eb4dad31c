package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/pkg/crypto"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
)

const (
	// DefaultCookieName is the session cookie name used when none is configured.
	DefaultCookieName = "SKSESSID"

	idBytes = 20
)

// CookieJar receives cookies emitted while a request is handled.
type CookieJar interface {
	SetCookie(cookie *http.Cookie)
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
	// MaxAge of zero keeps the cookie for the browser session only.
	MaxAge time.Duration
}

// ManagerConfig tunes the session Manager.
type ManagerConfig struct {
	Cookie CookieConfig
	// A collection is requested on GCProbability out of GCDivisor requests.
	GCProbability int
	GCDivisor     int
	MaxLifetime   time.Duration
	Codec         Codec
	// Snapshots, when set, wraps every handler in a PersistentHandler.
	Snapshots SnapshotStore
	Clock     func() time.Time
	// Random returns an integer in [0, n); used for the collection roll.
	Random func(n int) int
}

// HandlerSource creates per-request handlers.
type HandlerSource interface {
	Handler() Handler
}

// Manager drives the session lifecycle of each request against a HandlerSource.
type Manager struct {
	source      HandlerSource
	cookie      CookieConfig
	probability int
	divisor     int
	maxLifetime time.Duration
	codec       Codec
	snapshots   SnapshotStore
	now         func() time.Time
	random      func(n int) int
	log         *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(source HandlerSource, cfg ManagerConfig) (*Manager, error) {
	if source == nil {
		return nil, errors.New("session manager: handler source is required")
	}

	cookie := cfg.Cookie
	if strings.TrimSpace(cookie.Name) == "" {
		cookie.Name = DefaultCookieName
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}

	divisor := cfg.GCDivisor
	if divisor <= 0 {
		divisor = 100
	}
	probability := cfg.GCProbability
	if probability < 0 {
		probability = 0
	}

	lifetime := cfg.MaxLifetime
	if lifetime <= 0 {
		lifetime = DefaultMaxLifetime
	}

	codec := cfg.Codec
	if codec == nil {
		codec = JSONCodec{}
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	random := rand.IntN
	if cfg.Random != nil {
		random = cfg.Random
	}

	return &Manager{
		source:      source,
		cookie:      cookie,
		probability: probability,
		divisor:     divisor,
		maxLifetime: lifetime,
		codec:       codec,
		snapshots:   cfg.Snapshots,
		now:         clock,
		random:      random,
		log:         logger.WithModule("session"),
	}, nil
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string {
	return m.cookie.Name
}

// Codec returns the payload codec.
func (m *Manager) Codec() Codec {
	return m.codec
}

// Start opens the session named by id, minting a new identifier when id is
// empty or malformed. The returned context carries the session transaction
// and must be used for every store access made on behalf of the request.
func (m *Manager) Start(ctx context.Context, id string, jar CookieJar) (context.Context, *Session, error) {
	handler := m.source.Handler()
	if m.snapshots != nil {
		handler = NewPersistentHandler(handler, m.codec, m.snapshots)
	}

	if err := handler.Open(ctx); err != nil {
		return ctx, nil, fmt.Errorf("session manager: open: %w", err)
	}

	sess := &Session{handler: handler, jar: jar}

	id = strings.TrimSpace(id)
	if !ValidID(id) {
		fresh, err := NewID()
		if err != nil {
			return ctx, nil, err
		}
		id = fresh
		sess.isNew = true
	}
	sess.id = id

	data, err := handler.Read(ctx, id)
	if err != nil {
		return ctx, nil, err
	}

	values, err := m.codec.Decode(data)
	if err != nil {
		m.log.Warn("discarding undecodable session payload", zap.String("session", shortID(id)), zap.Error(err))
		values = Values{}
	}
	sess.values = values

	if sess.isNew {
		m.setCookie(jar, id)
	}

	if m.probability > 0 && m.random(m.divisor) < m.probability {
		if err := handler.GC(ctx, m.maxLifetime); err != nil {
			_ = handler.Abort(ctx)
			return ctx, nil, err
		}
	}

	return sess.bind(ctx), sess, nil
}

// Regenerate moves the session to a fresh identifier and deletes the old
// record. The payload is kept.
func (m *Manager) Regenerate(ctx context.Context, sess *Session) error {
	if sess.closed {
		return ErrHandlerState
	}
	if !sess.destroyed {
		if err := sess.handler.Destroy(ctx, sess.id); err != nil {
			sess.closed = true
			return err
		}
	}

	id, err := NewID()
	if err != nil {
		return err
	}
	sess.id = id
	sess.isNew = true
	sess.destroyed = false
	m.setCookie(sess.jar, id)
	return nil
}

// Destroy deletes the session record, clears the payload and expires the cookie.
func (m *Manager) Destroy(ctx context.Context, sess *Session) error {
	if sess.closed {
		return ErrHandlerState
	}
	sess.Clear()
	if !sess.destroyed {
		if err := sess.handler.Destroy(ctx, sess.id); err != nil {
			sess.closed = true
			return err
		}
	}
	sess.destroyed = true
	m.ExpireCookie(sess.jar)
	return nil
}

// ExpireCookie instructs the client to drop its session cookie.
func (m *Manager) ExpireCookie(jar CookieJar) {
	if jar == nil {
		return
	}
	cookie := m.baseCookie("")
	cookie.MaxAge = -1
	cookie.Expires = m.now().Add(-24 * time.Hour)
	jar.SetCookie(cookie)
}

// Commit writes the payload and closes the handler. Calling it again is a no-op.
func (m *Manager) Commit(ctx context.Context, sess *Session) error {
	if sess == nil || sess.closed {
		return nil
	}
	sess.closed = true

	ctx = sess.bind(ctx)
	if !sess.destroyed {
		data, err := m.codec.Encode(sess.values)
		if err != nil {
			_ = sess.handler.Abort(ctx)
			return fmt.Errorf("session manager: encode payload: %w", err)
		}
		if err := sess.handler.Write(ctx, sess.id, data); err != nil {
			return err
		}
	}
	return sess.handler.Close(ctx)
}

// Abort releases the session without persisting changes.
func (m *Manager) Abort(ctx context.Context, sess *Session) error {
	if sess == nil || sess.closed {
		return nil
	}
	sess.closed = true
	return sess.handler.Abort(ctx)
}

func (m *Manager) setCookie(jar CookieJar, id string) {
	if jar == nil {
		return
	}
	cookie := m.baseCookie(id)
	if m.cookie.MaxAge > 0 {
		cookie.MaxAge = int(m.cookie.MaxAge / time.Second)
		cookie.Expires = m.now().Add(m.cookie.MaxAge)
	}
	jar.SetCookie(cookie)
}

func (m *Manager) baseCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookie.Name,
		Value:    value,
		Path:     m.cookie.Path,
		Domain:   m.cookie.Domain,
		Secure:   m.cookie.Secure,
		HttpOnly: m.cookie.HTTPOnly,
		SameSite: m.cookie.SameSite,
	}
}

// NewID returns a fresh 40 character hexadecimal session identifier.
func NewID() (string, error) {
	raw, err := crypto.RandomBytes(idBytes)
	if err != nil {
		return "", fmt.Errorf("session manager: generate id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ValidID reports whether id has the shape of an identifier minted by NewID.
func ValidID(id string) bool {
	if len(id) != idBytes*2 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
