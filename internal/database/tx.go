package database

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

type scopeKey struct{}

// TxScope publishes an open transaction to every repository that runs under the
// same request context. The owner clears it once the transaction is finished so
// late callers fall back to the pool instead of a closed transaction.
type TxScope struct {
	mu sync.RWMutex
	tx *gorm.DB
}

// Set attaches tx to the scope.
func (s *TxScope) Set(tx *gorm.DB) {
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
}

// Clear detaches the current transaction.
func (s *TxScope) Clear() {
	s.Set(nil)
}

func (s *TxScope) current() *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tx
}

// WithScope returns a child context carrying scope.
func WithScope(ctx context.Context, scope *TxScope) context.Context {
	if scope == nil {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, scope)
}

// Conn returns the transaction published in ctx, or db bound to ctx when there is none.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if ctx == nil {
		ctx = context.Background()
	}
	if scope, ok := ctx.Value(scopeKey{}).(*TxScope); ok {
		if tx := scope.current(); tx != nil {
			return tx.WithContext(ctx)
		}
	}
	return db.WithContext(ctx)
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	scope, ok := ctx.Value(scopeKey{}).(*TxScope)
	return ok && scope.current() != nil
}
