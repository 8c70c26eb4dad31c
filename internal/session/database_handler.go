package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/models"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
)

type handlerState int

const (
	stateIdle handlerState = iota
	stateLocked
	stateDone
)

// dbHandler implements Handler for one request against a Store.
type dbHandler struct {
	store *Store
	state handlerState

	tx    *gorm.DB
	lock  Lock
	scope database.TxScope

	collect bool
}

func (h *dbHandler) Open(context.Context) error {
	return nil
}

func (h *dbHandler) Read(ctx context.Context, id string) ([]byte, error) {
	if h.state != stateIdle {
		return nil, ErrHandlerState
	}

	started := time.Now()
	var (
		row *models.Session
		err error
	)
	switch h.store.mode {
	case ModeAdvisory:
		row, err = h.readAdvisory(ctx, id)
	default:
		row, err = h.readLocked(ctx, id)
	}
	if err != nil {
		h.release(ctx)
		return nil, h.fail("read", err)
	}
	metrics.SessionLockWait.WithLabelValues(string(h.store.mode)).Observe(time.Since(started).Seconds())

	if row == nil || row.Expiry < h.store.now().Unix() {
		return nil, nil
	}
	return row.Data, nil
}

func (h *dbHandler) readLocked(ctx context.Context, id string) (*models.Session, error) {
	if h.store.rowLocksIgnored() {
		lock, err := h.store.locker.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		h.lock = lock
		h.state = stateLocked
	}

	tx := h.store.db.WithContext(ctx).Begin(h.store.txOptions())
	if tx.Error != nil {
		return nil, tx.Error
	}
	h.tx = tx
	h.scope.Set(tx)
	h.state = stateLocked

	if err := h.store.prepareTx(tx); err != nil {
		return nil, err
	}

	row, err := h.selectForUpdate(tx, id)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Absent row: insert a placeholder so there is something to lock. A
	// concurrent request may win the insert; the reselect then waits on its lock.
	placeholder := models.Session{
		ID:     id,
		Expiry: h.store.now().Add(h.store.maxLifetime).Unix(),
		Data:   []byte{},
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
		return nil, err
	}
	return h.selectForUpdate(tx, id)
}

func (h *dbHandler) selectForUpdate(tx *gorm.DB, id string) (*models.Session, error) {
	var row models.Session
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (h *dbHandler) readAdvisory(ctx context.Context, id string) (*models.Session, error) {
	lock, err := h.store.locker.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	h.lock = lock
	h.state = stateLocked

	var row models.Session
	err = h.store.db.WithContext(ctx).Take(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (h *dbHandler) Write(ctx context.Context, id string, data []byte) error {
	if h.state != stateLocked {
		return ErrHandlerState
	}
	if data == nil {
		data = []byte{}
	}

	row := models.Session{
		ID:     id,
		Expiry: h.store.now().Add(h.store.maxLifetime).Unix(),
		Data:   data,
	}
	err := h.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expiry", "data"}),
	}).Create(&row).Error
	if err != nil {
		h.release(ctx)
		return h.fail("write", err)
	}
	return nil
}

func (h *dbHandler) Destroy(ctx context.Context, id string) error {
	if h.state != stateLocked {
		return ErrHandlerState
	}
	if err := h.conn(ctx).Where("id = ?", id).Delete(&models.Session{}).Error; err != nil {
		h.release(ctx)
		return h.fail("destroy", err)
	}
	return nil
}

func (h *dbHandler) GC(context.Context, time.Duration) error {
	h.collect = true
	return nil
}

func (h *dbHandler) Close(ctx context.Context) error {
	if h.state != stateLocked {
		return nil
	}

	if h.tx != nil {
		err := h.tx.Commit().Error
		h.tx = nil
		h.scope.Clear()
		if err != nil {
			h.release(ctx)
			return h.fail("commit", err)
		}
	}
	if h.lock != nil {
		err := h.lock.Release(context.WithoutCancel(ctx))
		h.lock = nil
		if err != nil {
			h.state = stateDone
			return h.fail("unlock", err)
		}
	}
	h.state = stateDone

	if h.collect {
		h.collect = false
		if _, err := h.store.sweep(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (h *dbHandler) Abort(ctx context.Context) error {
	if h.state != stateLocked {
		return nil
	}
	h.release(ctx)
	return nil
}

func (h *dbHandler) Bind(ctx context.Context) context.Context {
	if h.store.mode != ModeTransaction {
		return ctx
	}
	return database.WithScope(ctx, &h.scope)
}

func (h *dbHandler) conn(ctx context.Context) *gorm.DB {
	if h.tx != nil {
		return h.tx.WithContext(ctx)
	}
	return h.store.db.WithContext(ctx)
}

// release rolls back and unlocks without surfacing secondary errors; the
// caller is already reporting the primary failure.
func (h *dbHandler) release(ctx context.Context) {
	if h.tx != nil {
		if err := h.tx.Rollback().Error; err != nil && !errors.Is(err, gorm.ErrInvalidTransaction) {
			h.store.log.Debug("rollback after failure", zap.Error(err))
		}
		h.tx = nil
		h.scope.Clear()
	}
	if h.lock != nil {
		if err := h.lock.Release(context.WithoutCancel(ctx)); err != nil {
			h.store.log.Warn("release advisory lock", zap.Error(err))
		}
		h.lock = nil
	}
	h.state = stateDone
}

func (h *dbHandler) fail(op string, err error) error {
	metrics.StorageErrors.WithLabelValues(op).Inc()
	h.store.log.Error("session storage failure", zap.String("op", op), zap.Error(err))
	return storageError(op, err)
}
