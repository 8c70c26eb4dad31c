package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
	"github.com/charlesng35/sessionkeeper/internal/services"
	"github.com/charlesng35/sessionkeeper/internal/session"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
)

// AccountHandler serves self-service registration, activation links, password
// resets and profile changes.
type AccountHandler struct {
	accounts *services.AccountService
	service  *auth.Service
}

// NewAccountHandler constructs an AccountHandler.
func NewAccountHandler(accounts *services.AccountService, service *auth.Service) (*AccountHandler, error) {
	if accounts == nil {
		return nil, errors.New("account handler: account service is required")
	}
	if service == nil {
		return nil, errors.New("account handler: auth service is required")
	}
	return &AccountHandler{accounts: accounts, service: service}, nil
}

type activateRequest struct {
	Token string `json:"token"`
}

// POST /api/accounts
func (h *AccountHandler) Register(c *gin.Context) {
	var in services.RegisterInput
	if !bindJSON(c, &in, false) {
		return
	}

	user, fields, err := h.accounts.Register(requestContext(c), in, clientRequest(c))
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if len(fields) > 0 {
		respondError(c, apperrors.NewValidation(fields))
		return
	}

	commitAndRespond(c, http.StatusCreated, userPayload(user))
}

// POST /api/accounts/activate
func (h *AccountHandler) Activate(c *gin.Context) {
	var in activateRequest
	if !bindJSON(c, &in, false) {
		return
	}

	user, err := h.accounts.ActivateWithToken(requestContext(c), in.Token, clientRequest(c))
	if err != nil {
		respondError(c, err)
		return
	}
	commitAndRespond(c, http.StatusOK, userPayload(user))
}

// POST /api/accounts/password/forgot
func (h *AccountHandler) ForgotPassword(c *gin.Context) {
	var in services.ForgotPasswordInput
	if !bindJSON(c, &in, false) {
		return
	}

	fields, err := h.accounts.ForgotPassword(requestContext(c), in, clientRequest(c))
	if err != nil {
		respondStorageError(c, err)
		return
	}
	if len(fields) > 0 {
		respondError(c, apperrors.NewValidation(fields))
		return
	}
	commitAndRespond(c, http.StatusAccepted, gin.H{"requested": true})
}

// POST /api/accounts/password/reset
func (h *AccountHandler) ResetPassword(c *gin.Context) {
	var in services.ResetPasswordInput
	if !bindJSON(c, &in, false) {
		return
	}

	_, fields, err := h.accounts.ResetPassword(requestContext(c), in, clientRequest(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if len(fields) > 0 {
		respondError(c, apperrors.NewValidation(fields))
		return
	}
	commitAndRespond(c, http.StatusOK, gin.H{"reset": true})
}

// PATCH /api/accounts/me
func (h *AccountHandler) Update(c *gin.Context) {
	ex, ok := requireExchange(c)
	if !ok {
		return
	}
	var in services.UpdateAccountInput
	if !bindJSON(c, &in, false) {
		return
	}

	ctx := requestContext(c)
	update, fields, err := h.accounts.UpdateAccount(ctx, ex.Session.String(session.KeyUsername), in, ex.Request)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(fields) > 0 {
		respondError(c, apperrors.NewValidation(fields))
		return
	}

	if update.PasswordChanged {
		// The remembered logins were revoked with the old password; the
		// cookie of this browser goes with them.
		if err := h.service.Autologin().Logout(ctx, ex, true); err != nil {
			respondStorageError(c, err)
			return
		}
		ex.Session.Delete(session.KeyPersistent)
	}

	commitAndRespond(c, http.StatusOK, gin.H{
		"user":             userPayload(update.User),
		"email_changed":    update.EmailChanged,
		"password_changed": update.PasswordChanged,
	})
}

// clientRequest describes the caller for audit records.
func clientRequest(c *gin.Context) auth.Request {
	if ex, ok := middleware.Exchange(c); ok {
		return ex.Request
	}
	return auth.RequestFromHTTP(c.Request, c.ClientIP())
}
