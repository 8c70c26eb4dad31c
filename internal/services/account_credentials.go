package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/validator"
)

const (
	defaultActivationTTL = 24 * time.Hour
	defaultResetTTL      = 2 * time.Hour
	accountTokenBytes    = 32
)

// ErrAccountTokenInvalid is returned for unknown, expired and used link tokens.
var ErrAccountTokenInvalid = apperrors.New("INVALID_TOKEN", "link is invalid", http.StatusBadRequest)

// ForgotPasswordInput requests a password reset link.
type ForgotPasswordInput struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordInput redeems a password reset link.
type ResetPasswordInput struct {
	Token          string `json:"token" validate:"required"`
	Password       string `json:"password" validate:"required,min=8,max=15,mindigits=2,minletters=2"`
	PasswordRepeat string `json:"password_repeat" validate:"required,eqfield=Password"`
}

// UpdateAccountInput changes the email address or password of the caller.
// Blank fields are left untouched.
type UpdateAccountInput struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	Email           string `json:"email" validate:"omitempty,email"`
	Password        string `json:"password" validate:"omitempty,min=8,max=15,mindigits=2,minletters=2"`
	PasswordRepeat  string `json:"password_repeat" validate:"required_with=Password,eqfield=Password"`
}

// AccountUpdate reports what UpdateAccount changed.
type AccountUpdate struct {
	User            *models.User
	EmailChanged    bool
	PasswordChanged bool
}

// ActivateWithToken redeems an activation link. Inactive accounts become
// active; a locked account stays locked.
func (s *AccountService) ActivateWithToken(ctx context.Context, token string, req auth.Request) (*models.User, error) {
	user, err := s.redeem(ctx, models.AccountTokenActivation, token)
	if err != nil {
		return nil, err
	}

	res := database.Conn(ctx, s.db).
		Model(&models.User{}).
		Where("id = ? AND status = ?", user.ID, models.UserStatusInactive).
		Update("status", models.UserStatusActive)
	if res.Error != nil {
		return nil, fmt.Errorf("account service: activate: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		user.Status = models.UserStatusActive
	}

	s.log.Info("account activated", zap.String("username", user.Username))
	recordAudit(s.opts.Audit, ctx, auth.Event{
		Action:    ActionAccountActivate,
		Username:  user.Username,
		Result:    "success",
		IPAddress: req.RemoteAddr,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"via": "token"},
	})
	return user, nil
}

// ForgotPassword mails a reset link when in.Email belongs to an active
// account. Unknown and inactive addresses succeed without sending anything.
func (s *AccountService) ForgotPassword(ctx context.Context, in ForgotPasswordInput, req auth.Request) (validator.FieldErrors, error) {
	in.Email = strings.TrimSpace(in.Email)
	if errs := validator.Check(in); errs != nil {
		return errs, nil
	}

	user, err := s.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() || s.opts.Mailer == nil {
		return nil, nil
	}

	token, err := s.issueToken(ctx, user, models.AccountTokenPasswordReset, s.opts.ResetTTL)
	if err != nil {
		return nil, err
	}
	if err := s.opts.Mailer.PasswordResetRequested(ctx, user, accountLink(s.opts.ResetURL, token)); err != nil {
		s.log.Warn("password reset mail failed", zap.String("username", user.Username), zap.Error(err))
	}

	recordAudit(s.opts.Audit, ctx, auth.Event{
		Action:    ActionPasswordForgot,
		Username:  user.Username,
		Result:    "success",
		IPAddress: req.RemoteAddr,
		UserAgent: req.UserAgent,
	})
	return nil, nil
}

// ResetPassword redeems a reset link and sets a new password. Remembered
// logins and recorded login failures of the account are dropped.
func (s *AccountService) ResetPassword(ctx context.Context, in ResetPasswordInput, req auth.Request) (*models.User, validator.FieldErrors, error) {
	in.Token = strings.TrimSpace(in.Token)
	if errs := validator.Check(in); errs != nil {
		return nil, errs, nil
	}

	user, err := s.redeem(ctx, models.AccountTokenPasswordReset, in.Token)
	if err != nil {
		return nil, nil, err
	}
	if err := s.setPassword(ctx, user, in.Password); err != nil {
		return nil, nil, err
	}
	if err := s.revokeCredentials(ctx, user); err != nil {
		return nil, nil, err
	}
	s.notifyPasswordChanged(ctx, user, req)

	s.log.Info("password reset", zap.String("username", user.Username))
	recordAudit(s.opts.Audit, ctx, auth.Event{
		Action:    ActionPasswordReset,
		Username:  user.Username,
		Result:    "success",
		IPAddress: req.RemoteAddr,
		UserAgent: req.UserAgent,
	})
	return user, nil, nil
}

// UpdateAccount changes the email address and password of username after
// checking the current password. A password change revokes remembered logins
// and clears recorded login failures.
func (s *AccountService) UpdateAccount(ctx context.Context, username string, in UpdateAccountInput, req auth.Request) (*AccountUpdate, validator.FieldErrors, error) {
	in.Email = strings.TrimSpace(in.Email)

	user, err := s.FindByUsername(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, ErrUserNotFound
	}

	errs := validator.FieldErrors{}
	errs.Merge(validator.Check(in))
	if !errs.Has("current_password") && !crypto.VerifyPassword(user.Password, in.CurrentPassword) {
		errs.Add("current_password", "wrong password")
	}

	emailChanged := in.Email != "" && !strings.EqualFold(in.Email, user.Email)
	if emailChanged && !errs.Has("email") {
		existing, err := s.FindByEmail(ctx, in.Email)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil && existing.ID != user.ID {
			errs.Add("email", "email address is already registered")
		}
	}
	if !errs.Empty() {
		return nil, errs, nil
	}

	result := &AccountUpdate{User: user}
	if emailChanged {
		err := database.Conn(ctx, s.db).Model(&models.User{}).Where("id = ?", user.ID).Update("email", in.Email).Error
		if err != nil {
			if duplicateAccountField(err) == "email" {
				errs.Add("email", "email address is already registered")
				return nil, errs, nil
			}
			return nil, nil, fmt.Errorf("account service: update email: %w", err)
		}
		previous := user.Email
		user.Email = in.Email
		result.EmailChanged = true
		if s.opts.Failures != nil {
			if err := s.opts.Failures.Forget(ctx, previous); err != nil {
				return nil, nil, err
			}
		}
	}
	if in.Password != "" {
		if err := s.setPassword(ctx, user, in.Password); err != nil {
			return nil, nil, err
		}
		if err := s.revokeCredentials(ctx, user); err != nil {
			return nil, nil, err
		}
		result.PasswordChanged = true
		s.notifyPasswordChanged(ctx, user, req)
	}

	s.log.Info("account updated",
		zap.String("username", user.Username),
		zap.Bool("email", result.EmailChanged),
		zap.Bool("password", result.PasswordChanged),
	)
	recordAudit(s.opts.Audit, ctx, auth.Event{
		Action:    ActionAccountUpdate,
		Username:  user.Username,
		Result:    "success",
		IPAddress: req.RemoteAddr,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"email": result.EmailChanged, "password": result.PasswordChanged},
	})
	return result, nil, nil
}

// PurgeTokens deletes link tokens that expired or were redeemed.
func (s *AccountService) PurgeTokens(ctx context.Context) (int64, error) {
	res := database.Conn(ctx, s.db).
		Where("expires_at <= ? OR used_at IS NOT NULL", s.now()).
		Delete(&models.AccountToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("account service: purge tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *AccountService) sendActivation(ctx context.Context, user *models.User) error {
	if s.opts.Mailer == nil {
		return nil
	}
	token, err := s.issueToken(ctx, user, models.AccountTokenActivation, s.opts.ActivationTTL)
	if err != nil {
		return err
	}
	if err := s.opts.Mailer.ActivationRequested(ctx, user, accountLink(s.opts.ActivationURL, token)); err != nil {
		s.log.Warn("activation mail failed", zap.String("username", user.Username), zap.Error(err))
	}
	return nil
}

// issueToken replaces the unredeemed tokens of user for purpose with a fresh
// one and returns its plaintext.
func (s *AccountService) issueToken(ctx context.Context, user *models.User, purpose string, ttl time.Duration) (string, error) {
	token, err := crypto.GenerateToken(accountTokenBytes)
	if err != nil {
		return "", fmt.Errorf("account service: generate token: %w", err)
	}

	conn := database.Conn(ctx, s.db)
	err = conn.Where("user_id = ? AND purpose = ? AND used_at IS NULL", user.ID, purpose).
		Delete(&models.AccountToken{}).Error
	if err != nil {
		return "", fmt.Errorf("account service: drop %s tokens: %w", purpose, err)
	}

	record := &models.AccountToken{
		UserID:    user.ID,
		Purpose:   purpose,
		TokenHash: accountTokenHash(token),
		ExpiresAt: s.now().Add(ttl),
	}
	if err := conn.Create(record).Error; err != nil {
		return "", fmt.Errorf("account service: create %s token: %w", purpose, err)
	}
	return token, nil
}

// redeem marks token used and returns its owner. Two redemptions of the same
// token cannot both succeed.
func (s *AccountService) redeem(ctx context.Context, purpose, token string) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrAccountTokenInvalid
	}

	conn := database.Conn(ctx, s.db)
	var record models.AccountToken
	err := conn.Where("token_hash = ? AND purpose = ?", accountTokenHash(token), purpose).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("account service: find %s token: %w", purpose, err)
	}

	now := s.now()
	if record.UsedAt != nil {
		return nil, ErrAccountTokenInvalid.WithMessage("link was already used")
	}
	if !record.Usable(now) {
		return nil, ErrAccountTokenInvalid.WithMessage("link has expired")
	}

	res := conn.Model(&models.AccountToken{}).
		Where("id = ? AND used_at IS NULL", record.ID).
		Update("used_at", now)
	if res.Error != nil {
		return nil, fmt.Errorf("account service: redeem %s token: %w", purpose, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrAccountTokenInvalid.WithMessage("link was already used")
	}

	var user models.User
	err = conn.Where("id = ?", record.UserID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("account service: load token owner: %w", err)
	}
	return &user, nil
}

func (s *AccountService) setPassword(ctx context.Context, user *models.User, password string) error {
	hashed, err := crypto.HashPasswordCost(password, s.opts.HashCost)
	if err != nil {
		return fmt.Errorf("account service: hash password: %w", err)
	}
	err = database.Conn(ctx, s.db).Model(&models.User{}).Where("id = ?", user.ID).Update("password_hash", hashed).Error
	if err != nil {
		return fmt.Errorf("account service: update password: %w", err)
	}
	user.Password = hashed
	return nil
}

// revokeCredentials drops what an old password could still open: remembered
// logins, pending reset links and recorded login failures.
func (s *AccountService) revokeCredentials(ctx context.Context, user *models.User) error {
	if s.opts.Tokens != nil {
		if _, err := s.opts.Tokens.DeleteAll(ctx, user.UserKey); err != nil {
			return err
		}
	}
	err := database.Conn(ctx, s.db).
		Where("user_id = ? AND purpose = ? AND used_at IS NULL", user.ID, models.AccountTokenPasswordReset).
		Delete(&models.AccountToken{}).Error
	if err != nil {
		return fmt.Errorf("account service: drop reset tokens: %w", err)
	}
	if s.opts.Failures != nil {
		if err := s.opts.Failures.Forget(ctx, user.Username, user.Email); err != nil {
			return err
		}
	}
	return nil
}

func (s *AccountService) notifyPasswordChanged(ctx context.Context, user *models.User, req auth.Request) {
	if s.opts.Mailer == nil {
		return
	}
	if err := s.opts.Mailer.PasswordChanged(ctx, user, req); err != nil {
		s.log.Warn("password change mail failed", zap.String("username", user.Username), zap.Error(err))
	}
}

func accountTokenHash(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

func accountLink(base, token string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return token
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}
