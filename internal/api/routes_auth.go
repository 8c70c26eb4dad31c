package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionkeeper/internal/app"
	"github.com/charlesng35/sessionkeeper/internal/handlers"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
)

func registerAuthRoutes(api *gin.RouterGroup, cfg *app.Config, deps Dependencies) error {
	authHandler, err := handlers.NewAuthHandler(deps.Auth, deps.Throttle, handlers.AuthOptions{
		AdminContact: cfg.Auth.AdminContact,
		Auditor:      deps.Audit,
	})
	if err != nil {
		return err
	}

	limit := loginLimiter(cfg, deps.RateStore)
	requireLogin := middleware.RequireLogin(deps.Auth)

	group := api.Group("/auth")
	{
		group.GET("/csrf", authHandler.CSRF)
		group.POST("/login", limit, authHandler.Login)
		group.POST("/revalidate", requireLogin, limit, authHandler.Revalidate)
		group.POST("/logout", authHandler.Logout)
		group.GET("/me", requireLogin, authHandler.Me)
	}
	return nil
}

func registerAccountRoutes(api *gin.RouterGroup, cfg *app.Config, deps Dependencies) error {
	accountHandler, err := handlers.NewAccountHandler(deps.Accounts, deps.Auth)
	if err != nil {
		return err
	}

	limit := loginLimiter(cfg, deps.RateStore)
	requireLogin := middleware.RequireLogin(deps.Auth)

	api.POST("/accounts", accountHandler.Register)
	group := api.Group("/accounts")
	{
		group.POST("/activate", limit, accountHandler.Activate)
		group.POST("/password/forgot", limit, accountHandler.ForgotPassword)
		group.POST("/password/reset", limit, accountHandler.ResetPassword)
		group.PATCH("/me", requireLogin, limit, accountHandler.Update)
	}
	return nil
}
