package app

import (
	"fmt"
	"strings"
)

// ApplyRuntimeDefaults fills settings derived from other sections when they are
// left empty or inconsistent. It returns the keys it changed so callers can log
// the event.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	applied := make(map[string]bool)

	if strings.TrimSpace(cfg.Notifications.From) == "" && strings.TrimSpace(cfg.Email.SMTP.From) != "" {
		cfg.Notifications.From = strings.TrimSpace(cfg.Email.SMTP.From)
		applied["notifications.from"] = true
	}

	if strings.TrimSpace(cfg.Auth.AdminContact) == "" && strings.TrimSpace(cfg.Notifications.From) != "" {
		cfg.Auth.AdminContact = strings.TrimSpace(cfg.Notifications.From)
		applied["auth.admin_contact"] = true
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if strings.EqualFold(strings.TrimSpace(cfg.Session.SameSite), "none") && !cfg.Session.Secure {
		cfg.Session.Secure = true
		applied["session.secure"] = true
	}

	// Used tokens must outlive the cookies that carry them or a replay goes unnoticed.
	if cfg.Autologin.Lifetime > 0 && cfg.Autologin.Retention < cfg.Autologin.Lifetime {
		cfg.Autologin.Retention = cfg.Autologin.Lifetime
		applied["autologin.retention"] = true
	}

	return applied, nil
}
