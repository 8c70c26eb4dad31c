package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/internal/session"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/validator"
)

// AuthOptions tunes the login front controller.
type AuthOptions struct {
	// AdminContact is shown to users whose account is blocked.
	AdminContact string
	Auditor      auth.Auditor
}

// AuthHandler exposes login, revalidation and logout endpoints over the
// request session.
type AuthHandler struct {
	service  *auth.Service
	throttle *auth.Throttle
	opts     AuthOptions
	log      *zap.Logger
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(service *auth.Service, throttle *auth.Throttle, opts AuthOptions) (*AuthHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("auth handler: auth service is required")
	}
	if throttle == nil {
		return nil, fmt.Errorf("auth handler: throttle is required")
	}
	opts.AdminContact = strings.TrimSpace(opts.AdminContact)
	return &AuthHandler{service: service, throttle: throttle, opts: opts, log: logger.WithModule("auth-handler")}, nil
}

type logoutRequest struct {
	All bool `json:"all"`
}

// GET /api/auth/csrf
func (h *AuthHandler) CSRF(c *gin.Context) {
	commitAndRespond(c, http.StatusOK, gin.H{"csrf_token": middleware.CSRFToken(c)})
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	ex, ok := requireExchange(c)
	if !ok {
		return
	}
	var creds auth.Credentials
	if !bindJSON(c, &creds, false) {
		return
	}

	ctx := requestContext(c)
	identifier := loginIdentifier(creds)

	if identifier != "" {
		if err := h.preCheck(ctx, identifier); err != nil {
			respondError(c, err)
			return
		}
	}

	authn := h.service.For(ex)
	loggedIn, err := authn.Login(ctx, creds)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if !loggedIn {
		h.rejectLogin(ctx, c, identifier, creds, authn.Errors())
		return
	}

	if err := h.throttle.Clear(ctx, identifier); err != nil {
		respondStorageError(c, err)
		return
	}

	user, err := authn.User(ctx)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized.WithMessage("session could not be established"))
		return
	}

	if !user.IsActive() {
		if err := h.refuseInactive(ctx, ex, authn, creds.RememberMe); err != nil {
			respondStorageError(c, err)
			return
		}
		if user.Status == models.UserStatusLocked {
			respondError(c, h.blockedError())
			return
		}
		respondError(c, apperrors.ErrAccountInactive.WithMessage("account not activated"))
		return
	}

	commitAndRespond(c, http.StatusOK, gin.H{
		"user":       userPayload(user),
		"persistent": ex.Session.Bool(session.KeyPersistent),
	})
}

// POST /api/auth/revalidate
func (h *AuthHandler) Revalidate(c *gin.Context) {
	ex, ok := requireExchange(c)
	if !ok {
		return
	}
	var creds auth.Credentials
	if !bindJSON(c, &creds, false) {
		return
	}

	authn := h.service.For(ex)
	valid, err := authn.Revalidate(requestContext(c), creds)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if valid {
		commitAndRespond(c, http.StatusOK, gin.H{"revalidated": true})
		return
	}

	fields := authn.Errors()
	switch {
	case ex.Session.Destroyed():
		respondError(c, apperrors.ErrUnauthorized.
			WithMessage("session ended after repeated failed confirmations").
			WithFields(fields))
	case fields.Has("username") || fields.Has("password"):
		respondError(c, apperrors.NewValidation(fields))
	default:
		respondError(c, apperrors.ErrRevalidationFailed.WithFields(fields))
	}
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	ex, ok := requireExchange(c)
	if !ok {
		return
	}
	var req logoutRequest
	if !bindJSON(c, &req, true) {
		return
	}

	ctx := requestContext(c)
	username := ex.Session.String(session.KeyUsername)

	if err := h.service.Autologin().Logout(ctx, ex, req.All); err != nil {
		respondStorageError(c, err)
		return
	}
	if err := h.service.For(ex).Logout(ctx); err != nil {
		respondStorageError(c, err)
		return
	}

	if username != "" {
		h.audit(ctx, auth.Event{
			Action:    auth.ActionLogout,
			Username:  username,
			Result:    "success",
			IPAddress: ex.Request.RemoteAddr,
			UserAgent: ex.Request.UserAgent,
			Metadata:  map[string]any{"all": req.All},
		})
	}
	commitAndRespond(c, http.StatusOK, gin.H{"logged_out": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	ex, ok := requireExchange(c)
	if !ok {
		return
	}
	user, err := h.service.For(ex).User(requestContext(c))
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}
	commitAndRespond(c, http.StatusOK, gin.H{
		"user":        userPayload(user),
		"persistent":  ex.Session.Bool(session.KeyPersistent) || ex.Session.Bool(session.KeyAutologinCookie),
		"revalidated": ex.Session.Bool(session.KeyRevalidated),
	})
}

// preCheck refuses blocked and throttled identities before their password is
// looked at.
func (h *AuthHandler) preCheck(ctx context.Context, identifier string) error {
	blocked, err := h.throttle.Blocked(ctx, identifier)
	if err != nil {
		return err
	}
	if blocked {
		return h.blockedError()
	}
	minutes, err := h.throttle.Throttle(ctx, identifier)
	if err != nil {
		return err
	}
	if minutes > 0 {
		return throttledError(minutes, nil)
	}
	return nil
}

// rejectLogin answers a failed login. A credential mismatch counts against
// the identity and the throttle is evaluated again in the same request.
func (h *AuthHandler) rejectLogin(ctx context.Context, c *gin.Context, identifier string, creds auth.Credentials, fields validator.FieldErrors) {
	if identifier == "" || strings.TrimSpace(creds.Password) == "" {
		respondError(c, apperrors.NewValidation(fields))
		return
	}

	if err := h.throttle.Record(ctx, identifier); err != nil {
		respondStorageError(c, err)
		return
	}
	minutes, err := h.throttle.Throttle(ctx, identifier)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	blocked, err := h.throttle.Blocked(ctx, identifier)
	if err != nil {
		respondStorageError(c, err)
		return
	}

	switch {
	case blocked:
		respondError(c, h.blockedError().WithFields(fields))
	case minutes > 0:
		respondError(c, throttledError(minutes, fields))
	default:
		respondError(c, apperrors.ErrInvalidCredentials.WithFields(fields))
	}
}

// refuseInactive ends a session that authenticated an account which may not
// log in. Persistent logins issued by the same request are revoked too.
func (h *AuthHandler) refuseInactive(ctx context.Context, ex auth.Exchange, authn *auth.Authenticator, rememberMe bool) error {
	if rememberMe {
		if err := h.service.Autologin().Logout(ctx, ex, true); err != nil {
			return err
		}
	}
	return authn.Logout(ctx)
}

func (h *AuthHandler) blockedError() *apperrors.AppError {
	message := "account blocked"
	if h.opts.AdminContact != "" {
		message = "account blocked, contact " + h.opts.AdminContact
	}
	return apperrors.ErrAccountBlocked.WithMessage(message)
}

func (h *AuthHandler) audit(ctx context.Context, event auth.Event) {
	if h.opts.Auditor == nil {
		return
	}
	if err := h.opts.Auditor.Record(ctx, event); err != nil {
		h.log.Warn("audit record failed", zap.String("action", event.Action), zap.Error(err))
	}
}

func throttledError(minutes int, fields validator.FieldErrors) *apperrors.AppError {
	return apperrors.ErrThrottled.
		WithMessage(fmt.Sprintf("too many failed attempts, wait %d minute(s) before logging in again", minutes)).
		WithFields(fields)
}

func loginIdentifier(creds auth.Credentials) string {
	if login := strings.TrimSpace(creds.Login); login != "" {
		return login
	}
	return strings.TrimSpace(creds.Username)
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
		"status":   user.Status,
	}
}
