package handlers_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionkeeper/internal/handlers/testutil"
	"github.com/charlesng35/sessionkeeper/internal/models"
)

func registration(username, email string) map[string]any {
	return map[string]any{
		"username":        username,
		"email":           email,
		"password":        "passw0rd1",
		"password_repeat": "passw0rd1",
	}
}

func TestRegisterCreatesInactiveAccount(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/accounts", registration("carol", "carol@example.com"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created userResponse
	testutil.DecodeInto(t, testutil.DecodeResponse(t, w).Data, &created)
	require.Equal(t, "carol", created.Username)
	require.Equal(t, models.RoleUser, created.Role)
	require.Equal(t, models.UserStatusInactive, created.Status)

	w = env.Login("carol", "passw0rd1", false)
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

func TestRegisterResetsEarlierFailures(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Login("carol", "wrong-password", false)
	require.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())

	w = env.Request(http.MethodPost, "/api/accounts", registration("carol", "carol@example.com"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var count int64
	require.NoError(t, env.DB.Model(&models.FailedLogin{}).Where("login = ?", "carol").Count(&count).Error)
	require.Zero(t, count)
}

func TestRegisterValidation(t *testing.T) {
	env := testutil.NewEnv(t)
	env.CreateUser("alice", models.RoleUser, models.UserStatusActive)

	cases := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{name: "taken username", body: registration("alice", "other@example.com"), field: "username"},
		{name: "taken email", body: registration("dave", "alice@example.com"), field: "email"},
		{name: "short username", body: registration("ab", "ab@example.com"), field: "username"},
		{name: "invalid email", body: registration("erin", "not-an-email"), field: "email"},
		{
			name: "password mismatch",
			body: map[string]any{
				"username":        "frank",
				"email":           "frank@example.com",
				"password":        "passw0rd1",
				"password_repeat": "passw0rd2",
			},
			field: "password_repeat",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.Request(http.MethodPost, "/api/accounts", tc.body)
			require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

			resp := testutil.DecodeResponse(t, w)
			require.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
			require.Contains(t, resp.Error.Fields, tc.field)
		})
	}
}
