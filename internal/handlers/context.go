package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/middleware"
	"github.com/charlesng35/sessionkeeper/internal/session"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// requireExchange returns the auth exchange of the request or answers 500 when
// the session middleware is not installed.
func requireExchange(c *gin.Context) (auth.Exchange, bool) {
	ex, ok := middleware.Exchange(c)
	if !ok {
		response.Error(c, apperrors.ErrInternalServer.WithMessage("session is not available"))
		return auth.Exchange{}, false
	}
	return ex, true
}

// commitAndRespond persists the session before answering so a storage failure
// is still reported to the client.
func commitAndRespond(c *gin.Context, status int, data any) {
	if err := middleware.CommitSession(c); err != nil {
		respondStorageError(c, err)
		return
	}
	response.Success(c, status, data)
}

// respondStorageError answers an unexpected failure. Session storage failures
// map to 503 so clients can retry.
func respondStorageError(c *gin.Context, err error) {
	logger.WithModule("handlers").Error("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	if session.IsStorageError(err) {
		response.Error(c, apperrors.ErrStorageUnavailable.WithInternal(err))
		return
	}
	response.Error(c, apperrors.FromError(err))
}

// respondError commits the session and writes err. Client errors keep the
// session changes made while handling them, such as recorded failures.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.FromError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		respondStorageError(c, err)
		return
	}
	if commitErr := middleware.CommitSession(c); commitErr != nil {
		respondStorageError(c, commitErr)
		return
	}
	response.Error(c, appErr)
}
