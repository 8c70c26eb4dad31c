package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
	"github.com/charlesng35/sessionkeeper/pkg/validator"
)

// Throttle defaults.
const (
	DefaultThrottleTimes = 3
	DefaultThrottleDelay = time.Minute
	DefaultThrottleBlock = 5
)

// ThrottleConfig tunes the failed login throttle.
type ThrottleConfig struct {
	// Times is the soft threshold; every multiple of it imposes Delay.
	Times int
	Delay time.Duration
	// Block is the failure count that hard-blocks the identity and locks its account.
	Block    int
	Clock    func() time.Time
	Auditor  Auditor
	Notifier Notifier
}

// Throttle counts failed logins per identity.
type Throttle struct {
	db       *gorm.DB
	accounts AccountStore
	cfg      ThrottleConfig
	now      func() time.Time
	log      *zap.Logger
}

// NewThrottle constructs a Throttle.
func NewThrottle(db *gorm.DB, accounts AccountStore, cfg ThrottleConfig) (*Throttle, error) {
	if db == nil {
		return nil, errors.New("throttle: db is required")
	}
	if accounts == nil {
		return nil, errors.New("throttle: account store is required")
	}
	if cfg.Times <= 0 {
		cfg.Times = DefaultThrottleTimes
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultThrottleDelay
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultThrottleBlock
	}
	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}
	return &Throttle{
		db:       db,
		accounts: accounts,
		cfg:      cfg,
		now:      clock,
		log:      logger.WithModule("throttle"),
	}, nil
}

// Record counts one failed attempt for login.
func (t *Throttle) Record(ctx context.Context, login string) error {
	identity, _, err := t.identity(ctx, login)
	if err != nil {
		return err
	}
	if identity == "" {
		return nil
	}

	now := t.now().Unix()
	row := models.FailedLogin{Login: identity, Count: 1, LastTime: now}
	err = database.Conn(ctx, t.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "login"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":     gorm.Expr("failed_logins.count + 1"),
			"last_time": now,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("throttle: record failure: %w", err)
	}
	return nil
}

// Clear forgets every failure recorded for login.
func (t *Throttle) Clear(ctx context.Context, login string) error {
	identity, _, err := t.identity(ctx, login)
	if err != nil {
		return err
	}
	return t.Forget(ctx, identity)
}

// Forget deletes the failure records stored under each login exactly as given,
// without resolving it to an account first.
func (t *Throttle) Forget(ctx context.Context, logins ...string) error {
	keys := make([]string, 0, len(logins))
	for _, login := range logins {
		if login = strings.TrimSpace(login); login != "" {
			keys = append(keys, login)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := database.Conn(ctx, t.db).
		Where("login IN ?", keys).
		Delete(&models.FailedLogin{}).Error; err != nil {
		return fmt.Errorf("throttle: clear failures: %w", err)
	}
	return nil
}

// Throttle returns the minutes login must wait before its next attempt. When
// the failure count reaches the block threshold the identity is blocked and
// the matching account is locked.
func (t *Throttle) Throttle(ctx context.Context, login string) (int, error) {
	identity, user, err := t.identity(ctx, login)
	if err != nil {
		return 0, err
	}
	record, err := t.find(ctx, identity)
	if err != nil || record == nil {
		return 0, err
	}

	if record.Count == t.cfg.Block {
		if err := t.block(ctx, record, user); err != nil {
			return 0, err
		}
	}

	if record.Count > 0 && record.Count%t.cfg.Times == 0 {
		deadline := record.LastTime + int64(t.cfg.Delay/time.Second)
		remaining := math.Ceil(float64(deadline-t.now().Unix()) / 60)
		if remaining <= 0 {
			return 0, nil
		}
		return int(remaining), nil
	}
	return 0, nil
}

// Blocked reports whether login is hard-blocked.
func (t *Throttle) Blocked(ctx context.Context, login string) (bool, error) {
	identity, _, err := t.identity(ctx, login)
	if err != nil {
		return false, err
	}
	record, err := t.find(ctx, identity)
	if err != nil || record == nil {
		return false, err
	}
	return record.Blocked, nil
}

// Unblock clears the failures of login and reactivates its account.
func (t *Throttle) Unblock(ctx context.Context, login string) error {
	identity, user, err := t.identity(ctx, login)
	if err != nil {
		return err
	}
	if err := t.Clear(ctx, identity); err != nil {
		return err
	}
	if user != nil {
		if err := t.accounts.UpdateStatus(ctx, user.Username, models.UserStatusActive); err != nil {
			return fmt.Errorf("throttle: reactivate account: %w", err)
		}
	}
	t.audit(ctx, Event{Action: ActionThrottleUnblocked, Username: identity, Result: "success"})
	return nil
}

// Purge removes failure records whose last attempt is older than cutoff and
// that are not blocking an identity.
func (t *Throttle) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result := database.Conn(ctx, t.db).
		Where("last_time < ? AND blocked = ?", cutoff.Unix(), false).
		Delete(&models.FailedLogin{})
	if result.Error != nil {
		return 0, fmt.Errorf("throttle: purge failures: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (t *Throttle) block(ctx context.Context, record *models.FailedLogin, user *models.User) error {
	if record.Blocked {
		return nil
	}
	if err := database.Conn(ctx, t.db).
		Model(&models.FailedLogin{}).
		Where("login = ?", record.Login).
		Update("blocked", true).Error; err != nil {
		return fmt.Errorf("throttle: block identity: %w", err)
	}
	record.Blocked = true

	metrics.ThrottleBlocks.Inc()
	t.log.Warn("identity blocked after repeated failures", zap.String("login", record.Login), zap.Int("count", record.Count))
	t.audit(ctx, Event{Action: ActionThrottleBlock, Username: record.Login, Result: "blocked"})

	if user == nil {
		return nil
	}
	if err := t.accounts.UpdateStatus(ctx, user.Username, models.UserStatusLocked); err != nil {
		return fmt.Errorf("throttle: lock account: %w", err)
	}
	if t.cfg.Notifier != nil {
		if err := t.cfg.Notifier.AccountBlocked(ctx, user); err != nil {
			t.log.Warn("block notification failed", zap.Error(err))
		}
	}
	return nil
}

func (t *Throttle) find(ctx context.Context, identity string) (*models.FailedLogin, error) {
	if identity == "" {
		return nil, nil
	}
	var record models.FailedLogin
	err := database.Conn(ctx, t.db).Where("login = ?", identity).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("throttle: load failures: %w", err)
	}
	return &record, nil
}

// identity resolves login to the canonical username when it names an account.
func (t *Throttle) identity(ctx context.Context, login string) (string, *models.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return "", nil, nil
	}

	var (
		user *models.User
		err  error
	)
	if validator.IsEmail(login) {
		user, err = t.accounts.FindByEmail(ctx, login)
	} else {
		user, err = t.accounts.FindByUsername(ctx, login)
	}
	if err != nil {
		return "", nil, fmt.Errorf("throttle: resolve account: %w", err)
	}
	if user != nil {
		return user.Username, user, nil
	}
	return login, nil, nil
}

func (t *Throttle) audit(ctx context.Context, event Event) {
	if t.cfg.Auditor == nil {
		return
	}
	if err := t.cfg.Auditor.Record(ctx, event); err != nil {
		t.log.Warn("audit record failed", zap.String("action", event.Action), zap.Error(err))
	}
}
