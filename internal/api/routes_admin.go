package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/sessionkeeper/internal/handlers"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
)

func registerAdminRoutes(api *gin.RouterGroup, deps Dependencies) error {
	adminHandler, err := handlers.NewAdminHandler(deps.Accounts, deps.Throttle, deps.Audit)
	if err != nil {
		return err
	}

	admin := api.Group("/admin")
	admin.Use(middleware.RequireLogin(deps.Auth), middleware.RequireAdmin(deps.Auth))
	{
		admin.POST("/accounts/:login/unblock", adminHandler.Unblock)
		admin.POST("/accounts/:login/activate", adminHandler.Activate)
		admin.GET("/audit", adminHandler.Audit)
	}
	return nil
}
