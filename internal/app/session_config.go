package app

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/charlesng35/sessionkeeper/internal/session"
)

// StoreConfig converts SessionConfig into the database store parameters.
func (c SessionConfig) StoreConfig() session.StoreConfig {
	mode := session.ModeTransaction
	if !c.Transactional {
		mode = session.ModeAdvisory
	}
	return session.StoreConfig{
		Mode:        mode,
		MaxLifetime: c.MaxLifetime,
		LockTimeout: c.LockTimeout,
	}
}

// ManagerConfig converts SessionConfig into session manager parameters.
func (c SessionConfig) ManagerConfig() session.ManagerConfig {
	sameSite, _ := parseSameSite(c.SameSite)
	return session.ManagerConfig{
		Cookie: session.CookieConfig{
			Name:     strings.TrimSpace(c.CookieName),
			Domain:   strings.TrimSpace(c.Domain),
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: sameSite,
		},
		GCProbability: c.GCProbability,
		GCDivisor:     c.GCDivisor,
		MaxLifetime:   c.MaxLifetime,
	}
}

func parseSameSite(value string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return http.SameSiteDefaultMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return http.SameSiteDefaultMode, fmt.Errorf("config: unsupported session.same_site %q", value)
	}
}
