package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/mail"
)

// NotifierConfig configures the security mailer.
type NotifierConfig struct {
	Enabled      bool
	From         string
	AdminContact string
	Clock        func() time.Time
}

// SecurityNotifier emails account owners about blocks, replayed autologin
// cookies and account links. It implements auth.Notifier and AccountMailer.
type SecurityNotifier struct {
	mailer mail.Mailer
	cfg    NotifierConfig
	now    func() time.Time
	log    *zap.Logger
}

var (
	_ auth.Notifier = (*SecurityNotifier)(nil)
	_ AccountMailer = (*SecurityNotifier)(nil)
)

// NewSecurityNotifier constructs a SecurityNotifier. A disabled notifier accepts
// every call and sends nothing.
func NewSecurityNotifier(mailer mail.Mailer, cfg NotifierConfig) (*SecurityNotifier, error) {
	if cfg.Enabled && mailer == nil {
		return nil, errors.New("notifier: mailer is required when enabled")
	}
	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}
	return &SecurityNotifier{mailer: mailer, cfg: cfg, now: clock, log: logger.WithModule("notifier")}, nil
}

func (n *SecurityNotifier) AccountBlocked(ctx context.Context, user *models.User) error {
	if user == nil {
		return nil
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\n", user.Username)
	body.WriteString("your account was blocked after too many failed login attempts.\n")
	if contact := strings.TrimSpace(n.cfg.AdminContact); contact != "" {
		fmt.Fprintf(&body, "Please contact %s to have it unblocked.\n", contact)
	}
	return n.send(ctx, user, "Your account has been blocked", body.String())
}

func (n *SecurityNotifier) AutologinReplay(ctx context.Context, user *models.User, req auth.Request) error {
	if user == nil {
		return nil
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\n", user.Username)
	body.WriteString("a remembered login cookie for your account was presented after it had already been used.\n")
	body.WriteString("All remembered logins were revoked. If this was not you, change your password.\n\n")
	fmt.Fprintf(&body, "Time: %s\n", n.now().UTC().Format(time.RFC1123))
	if req.RemoteAddr != "" {
		fmt.Fprintf(&body, "Address: %s\n", req.RemoteAddr)
	}
	if req.UserAgent != "" {
		fmt.Fprintf(&body, "Browser: %s\n", req.UserAgent)
	}
	return n.send(ctx, user, "Remembered logins revoked", body.String())
}

func (n *SecurityNotifier) ActivationRequested(ctx context.Context, user *models.User, link string) error {
	if user == nil {
		return nil
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\n", user.Username)
	body.WriteString("activate your account with the following link:\n\n")
	fmt.Fprintf(&body, "%s\n", link)
	return n.send(ctx, user, "Activate your account", body.String())
}

func (n *SecurityNotifier) PasswordResetRequested(ctx context.Context, user *models.User, link string) error {
	if user == nil {
		return nil
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\n", user.Username)
	body.WriteString("a password reset was requested for your account. Choose a new password with the following link:\n\n")
	fmt.Fprintf(&body, "%s\n\n", link)
	body.WriteString("If you did not ask for this, ignore this message.\n")
	return n.send(ctx, user, "Reset your password", body.String())
}

func (n *SecurityNotifier) PasswordChanged(ctx context.Context, user *models.User, req auth.Request) error {
	if user == nil {
		return nil
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Hello %s,\n\n", user.Username)
	body.WriteString("the password of your account was changed and all remembered logins were revoked.\n\n")
	fmt.Fprintf(&body, "Time: %s\n", n.now().UTC().Format(time.RFC1123))
	if req.RemoteAddr != "" {
		fmt.Fprintf(&body, "Address: %s\n", req.RemoteAddr)
	}
	if contact := strings.TrimSpace(n.cfg.AdminContact); contact != "" {
		fmt.Fprintf(&body, "If this was not you, contact %s.\n", contact)
	}
	return n.send(ctx, user, "Your password was changed", body.String())
}

func (n *SecurityNotifier) send(ctx context.Context, user *models.User, subject, body string) error {
	if !n.cfg.Enabled || strings.TrimSpace(user.Email) == "" {
		return nil
	}
	err := n.mailer.Send(ctx, mail.Message{
		From:    n.cfg.From,
		To:      []string{user.Email},
		Subject: subject,
		Body:    body,
	})
	if errors.Is(err, mail.ErrSMTPDisabled) {
		return nil
	}
	if err != nil {
		n.log.Warn("security mail failed", zap.String("username", user.Username), zap.Error(err))
		return fmt.Errorf("notifier: send %q: %w", subject, err)
	}
	return nil
}
