package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

// RequireLogin rejects requests whose session is not logged in. Autologin
// restoration happens as a side effect of the check.
func RequireLogin(service *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ex, ok := Exchange(c)
		if !ok {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		loggedIn, err := service.For(ex).IsLoggedIn(c.Request.Context())
		if err != nil {
			logger.WithModule("auth").Error("login check failed", zap.Error(err))
			response.Error(c, storageFailure(err))
			c.Abort()
			return
		}
		if !loggedIn {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests from users without the privileged role. It
// expects RequireLogin to run first.
func RequireAdmin(service *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ex, ok := Exchange(c)
		if !ok {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		admin, err := service.For(ex).UserIsAdmin(c.Request.Context())
		if err != nil {
			response.Error(c, storageFailure(err))
			c.Abort()
			return
		}
		if !admin {
			response.Error(c, apperrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}
