package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
)

// SnapshotStore keeps the latest session payload of a user with persistent
// logins, so a later autologin can restore it on another device.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, userKey string, data []byte) error
}

// PersistentHandler decorates a Handler and mirrors every written payload that
// belongs to a persistent login into the SnapshotStore.
type PersistentHandler struct {
	Handler
	codec     Codec
	snapshots SnapshotStore
	log       *zap.Logger
}

// NewPersistentHandler wraps next.
func NewPersistentHandler(next Handler, codec Codec, snapshots SnapshotStore) *PersistentHandler {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &PersistentHandler{
		Handler:   next,
		codec:     codec,
		snapshots: snapshots,
		log:       logger.WithModule("session"),
	}
}

func (h *PersistentHandler) Write(ctx context.Context, id string, data []byte) error {
	if err := h.Handler.Write(ctx, id, data); err != nil {
		return err
	}
	if h.snapshots == nil {
		return nil
	}

	values, err := h.codec.Decode(data)
	if err != nil {
		h.log.Warn("skipping snapshot of undecodable session payload", zap.String("session", shortID(id)), zap.Error(err))
		return nil
	}
	if !values.Bool(KeyPersistent) && !values.Bool(KeyAutologinCookie) {
		return nil
	}
	userKey := values.String(KeyUserKey)
	if userKey == "" {
		return nil
	}

	if err := h.snapshots.SaveSnapshot(ctx, userKey, data); err != nil {
		_ = h.Handler.Abort(ctx)
		metrics.StorageErrors.WithLabelValues("snapshot").Inc()
		return storageError("snapshot", err)
	}
	return nil
}

// Bind forwards to the wrapped handler.
func (h *PersistentHandler) Bind(ctx context.Context) context.Context {
	if binder, ok := h.Handler.(Binder); ok {
		return binder.Bind(ctx)
	}
	return ctx
}
