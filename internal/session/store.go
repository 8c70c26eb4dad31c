package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
)

// Mode selects how concurrent requests for the same session are serialised.
type Mode string

const (
	// ModeTransaction holds a row lock inside a transaction from Read to Close.
	ModeTransaction Mode = "transaction"
	// ModeAdvisory holds a named advisory lock from Read to Close; writes autocommit.
	ModeAdvisory Mode = "advisory"
)

const (
	// DefaultMaxLifetime matches the classic 1440 second session lifetime.
	DefaultMaxLifetime = 1440 * time.Second
	// DefaultLockTimeout bounds how long a request waits for a session lock.
	DefaultLockTimeout = 50 * time.Second
)

// StoreConfig tunes the database session store.
type StoreConfig struct {
	Mode        Mode
	MaxLifetime time.Duration
	LockTimeout time.Duration
	// Locker overrides the dialect specific advisory locker. In transactional
	// mode it is only consulted on SQLite.
	Locker Locker
	Clock  func() time.Time
}

// Store is the long-lived database session store. Handler returns a fresh
// per-request handler bound to it.
type Store struct {
	db          *gorm.DB
	mode        Mode
	maxLifetime time.Duration
	lockTimeout time.Duration
	locker      Locker
	now         func() time.Time
	log         *zap.Logger
}

// NewStore constructs a Store backed by db.
func NewStore(db *gorm.DB, cfg StoreConfig) (*Store, error) {
	if db == nil {
		return nil, errors.New("session store: db is required")
	}

	mode := cfg.Mode
	switch mode {
	case "":
		mode = ModeTransaction
	case ModeTransaction, ModeAdvisory:
	default:
		return nil, fmt.Errorf("session store: unknown mode %q", cfg.Mode)
	}

	lifetime := cfg.MaxLifetime
	if lifetime <= 0 {
		lifetime = DefaultMaxLifetime
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	store := &Store{
		db:          db,
		mode:        mode,
		maxLifetime: lifetime,
		lockTimeout: lockTimeout,
		locker:      cfg.Locker,
		now:         clock,
		log:         logger.WithModule("session"),
	}

	// SQLite ignores FOR UPDATE, so transactional mode serialises same-id
	// requests with the process-local locker as well.
	needsLocker := mode == ModeAdvisory || database.Dialect(db) == database.DialectSQLite
	if needsLocker && store.locker == nil {
		locker, err := NewLocker(db, lockTimeout)
		if err != nil {
			return nil, err
		}
		store.locker = locker
	}

	return store, nil
}

// Handler returns a new per-request handler.
func (s *Store) Handler() Handler {
	return &dbHandler{store: s}
}

func (s *Store) Mode() Mode {
	return s.mode
}

func (s *Store) MaxLifetime() time.Duration {
	return s.maxLifetime
}

// Purge removes every expired record immediately. Used by scheduled maintenance.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	return s.sweep(ctx)
}

func (s *Store) sweep(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expiry < ?", s.now().Unix()).
		Delete(&models.Session{})
	if result.Error != nil {
		metrics.StorageErrors.WithLabelValues("gc").Inc()
		return 0, storageError("gc", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.SessionGCDeleted.Add(float64(result.RowsAffected))
		s.log.Debug("expired sessions collected", zap.Int64("deleted", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// rowLocksIgnored reports whether transactional reads need the keyed locker
// because the dialect drops SELECT ... FOR UPDATE.
func (s *Store) rowLocksIgnored() bool {
	return s.mode == ModeTransaction && s.locker != nil && database.Dialect(s.db) == database.DialectSQLite
}

func (s *Store) txOptions() *sql.TxOptions {
	switch database.Dialect(s.db) {
	case database.DialectPostgres, database.DialectMySQL:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	default:
		return nil
	}
}

// prepareTx applies the lock wait bound to the freshly opened transaction.
func (s *Store) prepareTx(tx *gorm.DB) error {
	millis := s.lockTimeout.Milliseconds()
	switch database.Dialect(s.db) {
	case database.DialectPostgres:
		return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", millis)).Error
	case database.DialectMySQL:
		seconds := (millis + 999) / 1000
		return tx.Exec(fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", seconds)).Error
	default:
		return nil
	}
}

func shortID(id string) string {
	return logger.Redact(strings.TrimSpace(id))
}
