package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionkeeper/pkg/response"
)

func recoveryRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(Recovery())
	r.NoRoute(NotFoundHandler)
	r.NoMethod(MethodNotAllowedHandler)
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	r.GET("/half-written", func(c *gin.Context) {
		c.String(http.StatusAccepted, "partial")
		panic("after write")
	})
	return r
}

func TestRecoveryAndFallbackHandlers(t *testing.T) {
	cases := []struct {
		name    string
		method  string
		path    string
		status  int
		code    string
		message string
	}{
		{name: "panic", method: http.MethodGet, path: "/panic", status: http.StatusInternalServerError, code: "INTERNAL_SERVER_ERROR"},
		{name: "unknown route", method: http.MethodGet, path: "/missing", status: http.StatusNotFound, code: "NOT_FOUND", message: "route /missing not found"},
		{name: "wrong method", method: http.MethodPost, path: "/panic", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
	}

	r := recoveryRouter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))

			require.Equal(t, tc.status, w.Code)
			var payload response.Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
			require.False(t, payload.Success)
			require.Equal(t, tc.code, payload.Error.Code)
			if tc.message != "" {
				require.Contains(t, payload.Error.Message, tc.message)
			}
		})
	}
}

func TestRecoveryKeepsWrittenResponse(t *testing.T) {
	w := httptest.NewRecorder()
	recoveryRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/half-written", nil))

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "partial", w.Body.String())
}
