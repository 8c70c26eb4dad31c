package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Handler is the storage contract of the session manager. A Handler instance
// serves exactly one request: Read acquires the per-session lock and Close or
// Abort releases it.
type Handler interface {
	Open(ctx context.Context) error
	// Read returns the stored payload, or nil when the record is absent or expired.
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, id string, data []byte) error
	Destroy(ctx context.Context, id string) error
	// Close commits pending work, releases the lock and runs a deferred collection if one was requested.
	Close(ctx context.Context) error
	// GC requests a sweep of expired records; the sweep itself runs at Close.
	GC(ctx context.Context, maxLifetime time.Duration) error
	// Abort releases the lock and discards uncommitted work.
	Abort(ctx context.Context) error
}

// Binder is implemented by handlers that can publish their open transaction to
// repositories working under the same request context.
type Binder interface {
	Bind(ctx context.Context) context.Context
}

// ErrLockTimeout marks a storage error caused by an expired lock wait.
var ErrLockTimeout = errors.New("session: lock wait timeout")

// ErrHandlerState is returned when a handler is used out of order.
var ErrHandlerState = errors.New("session: handler used out of order")

// StorageError is the fatal error type of the session store. It is never
// retried; the open transaction or lock is released before it is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err carries a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isLockTimeout(err) && !errors.Is(err, ErrLockTimeout) {
		err = fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return &StorageError{Op: op, Err: err}
}

func isLockTimeout(err error) bool {
	if errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock timeout") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "database is locked")
}
