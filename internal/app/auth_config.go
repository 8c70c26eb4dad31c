package app

import (
	"strings"

	"github.com/charlesng35/sessionkeeper/internal/auth"
)

// ServiceConfig converts AuthConfig into authenticator parameters. Clock and
// Auditor are wired by the caller.
func (c AuthConfig) ServiceConfig() auth.Config {
	return auth.Config{
		MaxSessionAge:  c.MaxSessionAge,
		RevalidateMax:  c.RevalidateMax,
		PrivilegedRole: strings.TrimSpace(c.PrivilegedRole),
	}
}

// ThrottleServiceConfig converts the throttle section into auth.ThrottleConfig.
func (c ThrottleConfig) ThrottleServiceConfig() auth.ThrottleConfig {
	return auth.ThrottleConfig{
		Times: c.Times,
		Delay: c.Delay,
		Block: c.Block,
	}
}

// AutologinProtocolConfig builds the remember-me parameters. The cookie shares
// domain, path and transport flags with the session cookie.
func (c *Config) AutologinProtocolConfig() auth.AutologinConfig {
	sameSite, _ := parseSameSite(c.Session.SameSite)
	return auth.AutologinConfig{
		CookieName: strings.TrimSpace(c.Autologin.CookieName),
		Domain:     strings.TrimSpace(c.Session.Domain),
		Path:       c.Session.Path,
		Secure:     c.Session.Secure,
		HTTPOnly:   c.Session.HTTPOnly,
		SameSite:   sameSite,
		Lifetime:   c.Autologin.Lifetime,
		Retention:  c.Autologin.Retention,
		TokenIndex: c.Autologin.TokenIndex,
	}
}
