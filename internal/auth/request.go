package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/internal/session"
)

// Request is the immutable view of the inbound request the authenticator needs.
type Request struct {
	RemoteAddr string
	UserAgent  string
	URI        string
	Cookies    map[string]string
}

// RequestFromHTTP captures the fields of r used by the authenticator. remoteAddr
// is passed separately so callers can apply their proxy trust rules.
func RequestFromHTTP(r *http.Request, remoteAddr string) Request {
	cookies := make(map[string]string)
	for _, cookie := range r.Cookies() {
		if _, exists := cookies[cookie.Name]; !exists {
			cookies[cookie.Name] = cookie.Value
		}
	}
	return Request{
		RemoteAddr: strings.TrimSpace(remoteAddr),
		UserAgent:  r.UserAgent(),
		URI:        r.URL.RequestURI(),
		Cookies:    cookies,
	}
}

// Cookie returns the named cookie value.
func (r Request) Cookie(name string) (string, bool) {
	value, ok := r.Cookies[name]
	return value, ok
}

// Exchange bundles everything one request contributes: its immutable request
// data, the open session and the sink for outgoing cookies.
type Exchange struct {
	Request Request
	Session *session.Session
	Cookies session.CookieJar
}

// Credentials are the fields submitted to Login and Revalidate.
type Credentials struct {
	// Login is a username or an email address.
	Login      string `json:"login"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// AccountStore is the account lookup the core depends on. Find methods return
// a nil user and no error when no account matches.
type AccountStore interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateStatus(ctx context.Context, username string, status int) error
}

// Event is a security relevant outcome reported to an Auditor.
type Event struct {
	Action    string
	Username  string
	Result    string
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// Audit actions emitted by the core.
const (
	ActionLogin             = "auth.login"
	ActionRevalidate        = "auth.revalidate"
	ActionForcedLogout      = "auth.forced_logout"
	ActionLogout            = "auth.logout"
	ActionAutologinRestore  = "autologin.restore"
	ActionAutologinReplay   = "autologin.replay"
	ActionAutologinRevoke   = "autologin.revoke"
	ActionThrottleBlock     = "throttle.block"
	ActionThrottleUnblocked = "throttle.unblock"
)

// Auditor persists security events.
type Auditor interface {
	Record(ctx context.Context, event Event) error
}

// Notifier informs account owners about security events.
type Notifier interface {
	AccountBlocked(ctx context.Context, user *models.User) error
	AutologinReplay(ctx context.Context, user *models.User, req Request) error
}

func newEvent(action, username, result string, req Request) Event {
	return Event{
		Action:    action,
		Username:  username,
		Result:    result,
		IPAddress: req.RemoteAddr,
		UserAgent: req.UserAgent,
	}
}

func (e Event) with(key string, value any) Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}
