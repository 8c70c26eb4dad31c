package app

import (
	"strings"

	"github.com/charlesng35/sessionkeeper/internal/services"
	"github.com/charlesng35/sessionkeeper/pkg/mail"
)

// SMTPSettings converts EmailConfig to the mail package representation.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  c.SMTP.Enabled,
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
}

// NotifierConfig builds the security notifier settings.
func (c *Config) NotifierConfig() services.NotifierConfig {
	return services.NotifierConfig{
		Enabled:      c.Notifications.Enabled,
		From:         strings.TrimSpace(c.Notifications.From),
		AdminContact: strings.TrimSpace(c.Auth.AdminContact),
	}
}

// AccountOptions builds the account service settings. Collaborators such as
// the mailer, throttle and token store are wired by the caller.
func (c *Config) AccountOptions() services.AccountOptions {
	return services.AccountOptions{
		HashCost:      c.Auth.PasswordCost,
		ActivationTTL: c.Accounts.ActivationTTL,
		ResetTTL:      c.Accounts.PasswordResetTTL,
		ActivationURL: strings.TrimSpace(c.Accounts.ActivationURL),
		ResetURL:      strings.TrimSpace(c.Accounts.PasswordResetURL),
	}
}
