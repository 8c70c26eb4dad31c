package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/auth"
	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/crypto"
	apperrors "github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/validator"
)

// ErrUserNotFound is returned when an account lookup by login yields nothing.
var ErrUserNotFound = apperrors.New("USER_NOT_FOUND", "User not found", http.StatusNotFound)

const userKeyBytes = 8

// RegisterInput carries a self-service registration form.
type RegisterInput struct {
	Username       string `json:"username" validate:"required,nospace,alphanum,min=4,max=8,minletters=3"`
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required,min=8,max=15,mindigits=2,minletters=2"`
	PasswordRepeat string `json:"password_repeat" validate:"required,eqfield=Password"`
}

// FailureClearer forgets failed login records.
type FailureClearer interface {
	Forget(ctx context.Context, logins ...string) error
}

// TokenRevoker drops every persistent login of a user.
type TokenRevoker interface {
	DeleteAll(ctx context.Context, userKey string) (int64, error)
}

// AccountMailer delivers account links and password change notices.
type AccountMailer interface {
	ActivationRequested(ctx context.Context, user *models.User, link string) error
	PasswordResetRequested(ctx context.Context, user *models.User, link string) error
	PasswordChanged(ctx context.Context, user *models.User, req auth.Request) error
}

// AccountOptions tunes an AccountService.
type AccountOptions struct {
	// HashCost is the bcrypt cost for new passwords; zero uses the library default.
	HashCost int
	Failures FailureClearer
	Audit    *AuditService
	// Tokens revokes remembered logins when a password changes.
	Tokens TokenRevoker
	// Mailer sends activation and reset links. Without one no link tokens are issued.
	Mailer        AccountMailer
	ActivationTTL time.Duration
	ResetTTL      time.Duration
	// ActivationURL and ResetURL prefix the mailed links; the token is appended
	// as the token query parameter. Empty values mail the bare token.
	ActivationURL string
	ResetURL      string
	Clock         func() time.Time
}

// AccountService owns the users table. It implements auth.AccountStore.
type AccountService struct {
	db   *gorm.DB
	opts AccountOptions
	now  func() time.Time
	log  *zap.Logger
}

var _ auth.AccountStore = (*AccountService)(nil)

// NewAccountService constructs an AccountService.
func NewAccountService(db *gorm.DB, opts AccountOptions) (*AccountService, error) {
	if db == nil {
		return nil, errors.New("account service: db is required")
	}
	if opts.ActivationTTL <= 0 {
		opts.ActivationTTL = defaultActivationTTL
	}
	if opts.ResetTTL <= 0 {
		opts.ResetTTL = defaultResetTTL
	}
	clock := time.Now
	if opts.Clock != nil {
		clock = opts.Clock
	}
	return &AccountService{db: db, opts: opts, now: clock, log: logger.WithModule("accounts")}, nil
}

// SetFailureClearer installs the throttle that registration resets. The
// throttle itself depends on the account store, so it is wired after both exist.
func (s *AccountService) SetFailureClearer(failures FailureClearer) {
	s.opts.Failures = failures
}

// FindByUsername returns the account named username, or nil when none exists.
func (s *AccountService) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.findBy(ctx, "username", strings.TrimSpace(username))
}

// FindByEmail returns the account registered with email, or nil when none exists.
func (s *AccountService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.findBy(ctx, "email", strings.TrimSpace(email))
}

// FindByLogin resolves either an email address or a username.
func (s *AccountService) FindByLogin(ctx context.Context, login string) (*models.User, error) {
	if validator.IsEmail(login) {
		return s.FindByEmail(ctx, login)
	}
	return s.FindByUsername(ctx, login)
}

func (s *AccountService) findBy(ctx context.Context, column, value string) (*models.User, error) {
	if value == "" {
		return nil, nil
	}
	var user models.User
	err := database.Conn(ctx, s.db).Where(column+" = ?", value).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account service: find by %s: %w", column, err)
	}
	return &user, nil
}

// UpdateStatus sets the status column of username.
func (s *AccountService) UpdateStatus(ctx context.Context, username string, status int) error {
	err := database.Conn(ctx, s.db).
		Model(&models.User{}).
		Where("username = ?", strings.TrimSpace(username)).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("account service: update status: %w", err)
	}
	return nil
}

// Register validates in and creates an unactivated account. Field failures are
// returned as messages with a nil error; the error result is reserved for
// storage failures.
func (s *AccountService) Register(ctx context.Context, in RegisterInput, req auth.Request) (*models.User, validator.FieldErrors, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)

	errs := validator.FieldErrors{}
	errs.Merge(validator.Check(in))

	if !errs.Has("username") {
		existing, err := s.FindByUsername(ctx, in.Username)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			errs.Add("username", "username is already taken")
		}
	}
	if !errs.Has("email") {
		existing, err := s.FindByEmail(ctx, in.Email)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			errs.Add("email", "email address is already registered")
		}
	}
	if !errs.Empty() {
		return nil, errs, nil
	}

	hashed, err := crypto.HashPasswordCost(in.Password, s.opts.HashCost)
	if err != nil {
		return nil, nil, fmt.Errorf("account service: hash password: %w", err)
	}
	userKey, err := crypto.GenerateHexToken(userKeyBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("account service: generate user key: %w", err)
	}

	user := &models.User{
		UserKey:  userKey,
		Username: in.Username,
		Email:    in.Email,
		Password: hashed,
		Role:     models.RoleUser,
		Status:   models.UserStatusInactive,
	}
	if err := database.Conn(ctx, s.db).Create(user).Error; err != nil {
		switch duplicateAccountField(err) {
		case "email":
			errs.Add("email", "email address is already registered")
			return nil, errs, nil
		case "username":
			errs.Add("username", "username is already taken")
			return nil, errs, nil
		}
		return nil, nil, fmt.Errorf("account service: create user: %w", err)
	}

	if s.opts.Failures != nil {
		if err := s.opts.Failures.Forget(ctx, user.Username, user.Email); err != nil {
			return nil, nil, err
		}
	}

	if err := s.sendActivation(ctx, user); err != nil {
		return nil, nil, err
	}

	s.log.Info("account registered", zap.String("username", user.Username))
	recordAudit(s.opts.Audit, ctx, auth.Event{
		Action:    ActionAccountRegister,
		Username:  user.Username,
		Result:    "success",
		IPAddress: req.RemoteAddr,
		UserAgent: req.UserAgent,
	})
	return user, nil, nil
}

// Activate marks the account named by login as active.
func (s *AccountService) Activate(ctx context.Context, login string) (*models.User, error) {
	user, err := s.FindByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if err := s.UpdateStatus(ctx, user.Username, models.UserStatusActive); err != nil {
		return nil, err
	}
	user.Status = models.UserStatusActive
	recordAudit(s.opts.Audit, ctx, auth.Event{Action: ActionAccountActivate, Username: user.Username, Result: "success"})
	return user, nil
}
