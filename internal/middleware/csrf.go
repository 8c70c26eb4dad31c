package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/pkg/crypto"
	"github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

const (
	// CSRFHeaderName is the header clients must present for unsafe HTTP methods.
	CSRFHeaderName = "X-CSRF-Token"

	// Session fields holding the token and the unix time it was minted.
	KeyCSRFToken = "csrf_token"
	KeyCSRFTime  = "csrf_time"

	csrfTokenLength  = 32
	csrfRenewAfter   = 24 * time.Hour
	csrfLoggerModule = "csrf"
)

var unsafeMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// CSRFConfig tunes the CSRF middleware.
type CSRFConfig struct {
	// Enabled turns enforcement on. When off, tokens are still minted so
	// clients can be rolled out before enforcement.
	Enabled bool
	Clock   func() time.Time
}

// CSRF binds a synchroniser token to the request session. Safe methods receive
// the token in the X-CSRF-Token response header; mutating requests must echo it
// back in the same header. The token is renewed once it is a day old.
func CSRF(cfg CSRFConfig) gin.HandlerFunc {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodOptions {
			c.Next()
			return
		}

		ex, ok := Exchange(c)
		if !ok {
			c.Next()
			return
		}
		sess := ex.Session

		if cfg.Enabled && isUnsafeMethod(method) {
			expected := sess.String(KeyCSRFToken)
			presented := strings.TrimSpace(c.GetHeader(CSRFHeaderName))
			if !crypto.ConstantTimeEqual(expected, presented) {
				logger.WithModule(csrfLoggerModule).Warn("csrf validation failed",
					zap.String("method", method),
					zap.String("path", c.FullPath()),
					zap.Bool("session_token", expected != ""),
				)
				response.Error(c, errors.ErrCSRFInvalid)
				c.Abort()
				return
			}
		}

		if _, err := ensureCSRFToken(sess, clock()); err != nil {
			response.Error(c, errors.ErrInternalServer.WithInternal(err))
			c.Abort()
			return
		}
		if !isUnsafeMethod(method) {
			c.Header(CSRFHeaderName, sess.String(KeyCSRFToken))
		}

		c.Next()
	}
}

// CSRFToken returns the token bound to the request session.
func CSRFToken(c *gin.Context) string {
	ex, ok := Exchange(c)
	if !ok {
		return ""
	}
	return ex.Session.String(KeyCSRFToken)
}

type tokenSession interface {
	String(key string) string
	Int64(key string) (int64, bool)
	Set(key string, value any)
}

func ensureCSRFToken(sess tokenSession, now time.Time) (string, error) {
	token := sess.String(KeyCSRFToken)
	minted, ok := sess.Int64(KeyCSRFTime)
	if token != "" && ok && now.Sub(time.Unix(minted, 0)) < csrfRenewAfter {
		return token, nil
	}

	token, err := crypto.GenerateToken(csrfTokenLength)
	if err != nil {
		return "", err
	}
	sess.Set(KeyCSRFToken, token)
	sess.Set(KeyCSRFTime, now.Unix())
	return token, nil
}

func isUnsafeMethod(method string) bool {
	_, ok := unsafeMethods[method]
	return ok
}
