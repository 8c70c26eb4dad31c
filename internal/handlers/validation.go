package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

// bindJSON decodes the request body into dest. An empty body leaves dest
// untouched when optional is set. A failure writes a 400 and returns false.
func bindJSON[T any](c *gin.Context, dest *T, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid JSON payload"))
		return false
	}
	return true
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
