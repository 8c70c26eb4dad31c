package api

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionkeeper/internal/app"
	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
	"github.com/charlesng35/sessionkeeper/internal/monitoring"
	"github.com/charlesng35/sessionkeeper/internal/services"
	"github.com/charlesng35/sessionkeeper/internal/session"
)

// Dependencies are the long-lived services the HTTP surface is built on.
type Dependencies struct {
	Sessions  *session.Manager
	Auth      *auth.Service
	Throttle  *auth.Throttle
	Accounts  *services.AccountService
	Audit     *services.AuditService
	Health    *monitoring.HealthManager
	RateStore middleware.RateStore
}

func (d Dependencies) validate() error {
	switch {
	case d.Sessions == nil:
		return errors.New("session manager must be provided")
	case d.Auth == nil:
		return errors.New("auth service must be provided")
	case d.Throttle == nil:
		return errors.New("throttle must be provided")
	case d.Accounts == nil:
		return errors.New("account service must be provided")
	case d.Audit == nil:
		return errors.New("audit service must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(cfg *app.Config, deps Dependencies) (*gin.Engine, error) {
	if cfg == nil {
		return nil, errors.New("config must be provided")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	if err := r.SetTrustedProxies(trustedProxies(cfg.Server.TrustedProxies)); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders(cfg.Session.Secure))

	// Probes never open a session.
	registerMonitoringRoutes(r, cfg, deps.Health)

	api := r.Group("/api")
	api.Use(middleware.Session(deps.Sessions))
	api.Use(middleware.CSRF(middleware.CSRFConfig{Enabled: cfg.Server.CSRF.Enabled}))

	if err := registerAuthRoutes(api, cfg, deps); err != nil {
		return nil, err
	}
	if err := registerAccountRoutes(api, cfg, deps); err != nil {
		return nil, err
	}
	if err := registerAdminRoutes(api, deps); err != nil {
		return nil, err
	}

	r.NoRoute(middleware.NotFoundHandler)
	r.NoMethod(middleware.MethodNotAllowedHandler)

	return r, nil
}

func trustedProxies(proxies []string) []string {
	if len(proxies) == 0 {
		return nil
	}
	return proxies
}

// loginLimiter guards the credential endpoints. A disabled limiter is a no-op.
func loginLimiter(cfg *app.Config, store middleware.RateStore) gin.HandlerFunc {
	if !cfg.RateLimit.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RateLimit(store, cfg.RateLimit.LoginRequests, cfg.RateLimit.Window)
}
