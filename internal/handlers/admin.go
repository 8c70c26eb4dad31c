package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
	"github.com/charlesng35/sessionkeeper/internal/services"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

// AdminHandler exposes account maintenance and the audit trail to
// administrators.
type AdminHandler struct {
	accounts *services.AccountService
	throttle *auth.Throttle
	audit    *services.AuditService
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(accounts *services.AccountService, throttle *auth.Throttle, audit *services.AuditService) (*AdminHandler, error) {
	switch {
	case accounts == nil:
		return nil, errors.New("admin handler: account service is required")
	case throttle == nil:
		return nil, errors.New("admin handler: throttle is required")
	case audit == nil:
		return nil, errors.New("admin handler: audit service is required")
	}
	return &AdminHandler{accounts: accounts, throttle: throttle, audit: audit}, nil
}

// POST /api/admin/accounts/:login/unblock
func (h *AdminHandler) Unblock(c *gin.Context) {
	login := strings.TrimSpace(c.Param("login"))
	if login == "" {
		respondError(c, apperrors.NewBadRequest("login is required"))
		return
	}
	if err := h.throttle.Unblock(requestContext(c), login); err != nil {
		respondStorageError(c, err)
		return
	}
	commitAndRespond(c, http.StatusOK, gin.H{"login": login, "unblocked": true})
}

// POST /api/admin/accounts/:login/activate
func (h *AdminHandler) Activate(c *gin.Context) {
	login := strings.TrimSpace(c.Param("login"))
	user, err := h.accounts.Activate(requestContext(c), login)
	if errors.Is(err, services.ErrUserNotFound) {
		respondError(c, err)
		return
	}
	if err != nil {
		respondStorageError(c, err)
		return
	}
	commitAndRespond(c, http.StatusOK, userPayload(user))
}

// GET /api/admin/audit
func (h *AdminHandler) Audit(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	perPage := parseIntQuery(c, "per_page", 50)
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	filters := services.AuditFilters{
		Username: strings.TrimSpace(c.Query("username")),
		Action:   strings.TrimSpace(c.Query("action")),
		Result:   strings.TrimSpace(c.Query("result")),
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filters.Since = &t
		}
	}
	if u := c.Query("until"); u != "" {
		if t, err := time.Parse(time.RFC3339, u); err == nil {
			filters.Until = &t
		}
	}

	logs, total, err := h.audit.List(requestContext(c), services.AuditListOptions{Page: page, PageSize: perPage, Filters: filters})
	if err != nil {
		respondStorageError(c, err)
		return
	}

	if err := middleware.CommitSession(c); err != nil {
		respondStorageError(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, logs, &response.Meta{Page: page, PerPage: perPage, Total: int(total)})
}
