package session

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/database"
)

// Locker acquires named locks that serialise requests for the same session id.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lock, error)
}

// Lock is a held named lock.
type Lock interface {
	Release(ctx context.Context) error
}

// NewLocker picks the advisory locker matching the dialect of db. SQLite has no
// named locks, so a process-local locker is used there.
func NewLocker(db *gorm.DB, timeout time.Duration) (Locker, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	switch database.Dialect(db) {
	case database.DialectMySQL:
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("session locker: %w", err)
		}
		return &mysqlLocker{db: sqlDB, timeout: timeout}, nil
	case database.DialectPostgres:
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("session locker: %w", err)
		}
		return &postgresLocker{db: sqlDB, timeout: timeout}, nil
	default:
		return NewLocalLocker(timeout), nil
	}
}

// lockName bounds key to the 64 character limit MySQL imposes on lock names.
func lockName(key string) string {
	name := "session:" + key
	if len(name) <= 64 {
		return name
	}
	sum := sha1.Sum([]byte(key))
	return "session:" + hex.EncodeToString(sum[:])
}

type mysqlLocker struct {
	db      *sql.DB
	timeout time.Duration
}

func (l *mysqlLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	name := lockName(key)
	seconds := int((l.timeout + time.Second - 1) / time.Second)

	var granted sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&granted); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !granted.Valid || granted.Int64 != 1 {
		_ = conn.Close()
		return nil, ErrLockTimeout
	}
	return &connLock{conn: conn, release: "DO RELEASE_LOCK(?)", arg: name}, nil
}

type postgresLocker struct {
	db      *sql.DB
	timeout time.Duration
}

func (l *postgresLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	name := lockName(key)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET lock_timeout = '%dms'", l.timeout.Milliseconds())); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock(hashtext($1))", name); err != nil {
		discard(conn)
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "RESET lock_timeout"); err != nil {
		discard(conn)
		return nil, err
	}
	return &connLock{conn: conn, release: "SELECT pg_advisory_unlock(hashtext($1))", arg: name}, nil
}

// connLock is a lock owned by a dedicated pooled connection.
type connLock struct {
	conn    *sql.Conn
	release string
	arg     string
}

func (l *connLock) Release(ctx context.Context) error {
	if _, err := l.conn.ExecContext(ctx, l.release, l.arg); err != nil {
		// The lock lives as long as the server session; drop the connection
		// instead of returning it to the pool still holding the lock.
		discard(l.conn)
		return err
	}
	return l.conn.Close()
}

func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// LocalLocker is an in-process keyed lock. It serialises requests handled by a
// single process and is the advisory locker for SQLite deployments.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker constructs a LocalLocker whose waits are bounded by timeout.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LocalLocker{timeout: timeout, locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &localEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		return &localLock{owner: l, key: key, entry: entry}, nil
	case <-timer.C:
		l.unref(key, entry)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) unref(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// held reports the number of keys with a holder or waiter.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

type localLock struct {
	owner    *LocalLocker
	key      string
	entry    *localEntry
	released bool
}

func (l *localLock) Release(context.Context) error {
	if l.released {
		return errors.New("session: lock already released")
	}
	l.released = true
	<-l.entry.sem
	l.owner.unref(l.key, l.entry)
	return nil
}
