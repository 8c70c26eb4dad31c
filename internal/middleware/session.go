package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/session"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

const (
	ctxExchangeKey = "sessionkeeper.exchange"
	ctxManagerKey  = "sessionkeeper.session_manager"
)

// CookieJar writes cookies onto the gin response.
type CookieJar struct {
	writer http.ResponseWriter
}

// NewCookieJar binds a jar to the response of c.
func NewCookieJar(c *gin.Context) *CookieJar {
	return &CookieJar{writer: c.Writer}
}

func (j *CookieJar) SetCookie(cookie *http.Cookie) {
	http.SetCookie(j.writer, cookie)
}

// Session starts the request session, publishes the auth exchange on the gin
// context and commits the session once the handler chain returns. A panic
// releases the session without writing it.
func Session(manager *session.Manager) gin.HandlerFunc {
	log := logger.WithModule("session")
	return func(c *gin.Context) {
		jar := NewCookieJar(c)
		id, _ := c.Cookie(manager.CookieName())

		ctx, sess, err := manager.Start(c.Request.Context(), id, jar)
		if err != nil {
			log.Error("session start failed", zap.Error(err))
			response.Error(c, storageFailure(err))
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(ctx)
		c.Set(ctxManagerKey, manager)
		c.Set(ctxExchangeKey, auth.Exchange{
			Request: auth.RequestFromHTTP(c.Request, c.ClientIP()),
			Session: sess,
			Cookies: jar,
		})

		defer func() {
			if rec := recover(); rec != nil {
				_ = manager.Abort(ctx, sess)
				panic(rec)
			}
		}()

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			if err := manager.Abort(ctx, sess); err != nil {
				log.Warn("session abort failed", zap.Error(err))
			}
			return
		}
		if err := manager.Commit(ctx, sess); err != nil {
			log.Error("session commit failed", zap.Error(err))
			if !c.Writer.Written() {
				response.Error(c, storageFailure(err))
			}
		}
	}
}

// Exchange returns the auth exchange published by Session.
func Exchange(c *gin.Context) (auth.Exchange, bool) {
	value, ok := c.Get(ctxExchangeKey)
	if !ok {
		return auth.Exchange{}, false
	}
	ex, ok := value.(auth.Exchange)
	return ex, ok
}

// CommitSession persists the request session ahead of the response so a
// storage failure can still be reported to the client. The middleware commit
// that follows is then a no-op.
func CommitSession(c *gin.Context) error {
	ex, ok := Exchange(c)
	if !ok {
		return nil
	}
	value, ok := c.Get(ctxManagerKey)
	if !ok {
		return nil
	}
	manager := value.(*session.Manager)
	return manager.Commit(c.Request.Context(), ex.Session)
}

// AbortSession releases the request session without persisting it.
func AbortSession(c *gin.Context) {
	ex, ok := Exchange(c)
	if !ok {
		return
	}
	if value, ok := c.Get(ctxManagerKey); ok {
		_ = value.(*session.Manager).Abort(c.Request.Context(), ex.Session)
	}
}

func storageFailure(err error) error {
	var storageErr *session.StorageError
	if errors.As(err, &storageErr) {
		return apperrors.ErrStorageUnavailable.WithInternal(err)
	}
	return apperrors.ErrInternalServer.WithInternal(err)
}
