package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionkeeper/internal/models"
)

const (
	sidA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sidB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestNewStoreRequiresDB(t *testing.T) {
	_, err := NewStore(nil, StoreConfig{})
	require.Error(t, err)
}

func TestNewStoreUnknownMode(t *testing.T) {
	db, _, _ := setupStore(t, StoreConfig{})

	_, err := NewStore(db, StoreConfig{Mode: "bogus"})
	require.Error(t, err)
}

func TestReadInsertsPlaceholderRow(t *testing.T) {
	db, store, clock := setupStore(t, StoreConfig{MaxLifetime: 10 * time.Minute})
	ctx := context.Background()

	h := store.Handler()
	require.NoError(t, h.Open(ctx))
	data, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	require.Empty(t, data)
	require.NoError(t, h.Close(ctx))

	var row models.Session
	require.NoError(t, db.Take(&row, "id = ?", sidA).Error)
	require.Equal(t, clock.Now().Add(10*time.Minute).Unix(), row.Expiry)
	require.Empty(t, row.Data)
}

func TestWriteIsVisibleToNextRequest(t *testing.T) {
	for _, mode := range []Mode{ModeTransaction, ModeAdvisory} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := StoreConfig{Mode: mode}
			if mode == ModeAdvisory {
				cfg.Locker = NewLocalLocker(time.Second)
			}
			_, store, _ := setupStore(t, cfg)
			ctx := context.Background()

			h := store.Handler()
			_, err := h.Read(ctx, sidA)
			require.NoError(t, err)
			require.NoError(t, h.Write(ctx, sidA, []byte(`{"username":"alice"}`)))
			require.NoError(t, h.Close(ctx))

			next := store.Handler()
			data, err := next.Read(ctx, sidA)
			require.NoError(t, err)
			require.JSONEq(t, `{"username":"alice"}`, string(data))
			require.NoError(t, next.Close(ctx))
		})
	}
}

func TestWriteRefreshesExpiry(t *testing.T) {
	db, store, clock := setupStore(t, StoreConfig{MaxLifetime: time.Minute})
	ctx := context.Background()

	h := store.Handler()
	_, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	require.NoError(t, h.Write(ctx, sidA, []byte(`{}`)))
	require.NoError(t, h.Close(ctx))

	clock.Advance(30 * time.Second)

	h = store.Handler()
	_, err = h.Read(ctx, sidA)
	require.NoError(t, err)
	require.NoError(t, h.Write(ctx, sidA, []byte(`{"n":1}`)))
	require.NoError(t, h.Close(ctx))

	var row models.Session
	require.NoError(t, db.Take(&row, "id = ?", sidA).Error)
	require.Equal(t, clock.Now().Add(time.Minute).Unix(), row.Expiry)
}

func TestExpiredRowReadsEmpty(t *testing.T) {
	db, store, clock := setupStore(t, StoreConfig{})
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Session{
		ID:     sidA,
		Expiry: clock.Now().Add(-time.Second).Unix(),
		Data:   []byte(`{"username":"stale"}`),
	}).Error)

	h := store.Handler()
	data, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	require.Empty(t, data)
	require.NoError(t, h.Close(ctx))
}

func TestDestroyRemovesRow(t *testing.T) {
	db, store, clock := setupStore(t, StoreConfig{})
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Session{
		ID:     sidA,
		Expiry: clock.Now().Add(time.Hour).Unix(),
		Data:   []byte(`{}`),
	}).Error)

	h := store.Handler()
	_, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	require.NoError(t, h.Destroy(ctx, sidA))
	require.NoError(t, h.Close(ctx))

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", sidA).Count(&count).Error)
	require.Zero(t, count)
}

func TestGCRunsAtCloseAndIsIdempotent(t *testing.T) {
	db, store, clock := setupStore(t, StoreConfig{})
	ctx := context.Background()

	past := clock.Now().Add(-time.Minute).Unix()
	require.NoError(t, db.Create(&[]models.Session{
		{ID: "expired-1", Expiry: past, Data: []byte(`{}`)},
		{ID: "expired-2", Expiry: past, Data: []byte(`{}`)},
		{ID: sidB, Expiry: clock.Now().Add(time.Hour).Unix(), Data: []byte(`{}`)},
	}).Error)

	h := store.Handler()
	_, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	require.NoError(t, h.GC(ctx, store.MaxLifetime()))
	require.NoError(t, h.Close(ctx))

	var ids []string
	require.NoError(t, db.Model(&models.Session{}).Order("id").Pluck("id", &ids).Error)
	require.Equal(t, []string{sidA, sidB}, ids)

	deleted, err := store.Purge(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestPurgeDeletesOnlyExpired(t *testing.T) {
	db, store, clock := setupStore(t, StoreConfig{})
	ctx := context.Background()

	require.NoError(t, db.Create(&[]models.Session{
		{ID: "old", Expiry: clock.Now().Add(-time.Hour).Unix(), Data: []byte(`{}`)},
		{ID: "fresh", Expiry: clock.Now().Add(time.Hour).Unix(), Data: []byte(`{}`)},
	}).Error)

	deleted, err := store.Purge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	deleted, err = store.Purge(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestHandlerRejectsOutOfOrderCalls(t *testing.T) {
	_, store, _ := setupStore(t, StoreConfig{})
	ctx := context.Background()

	h := store.Handler()
	require.ErrorIs(t, h.Write(ctx, sidA, []byte(`{}`)), ErrHandlerState)
	require.ErrorIs(t, h.Destroy(ctx, sidA), ErrHandlerState)

	_, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	_, err = h.Read(ctx, sidA)
	require.ErrorIs(t, err, ErrHandlerState)
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))
}

func TestAbortDiscardsWrites(t *testing.T) {
	db, store, _ := setupStore(t, StoreConfig{})
	ctx := context.Background()

	h := store.Handler()
	_, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	require.NoError(t, h.Write(ctx, sidA, []byte(`{"username":"alice"}`)))
	require.NoError(t, h.Abort(ctx))

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", sidA).Count(&count).Error)
	require.Zero(t, count)
}

func TestReadSurfacesStorageError(t *testing.T) {
	db, store, _ := setupStore(t, StoreConfig{})
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	h := store.Handler()
	_, err = h.Read(context.Background(), sidA)
	require.Error(t, err)
	require.True(t, IsStorageError(err))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "read", se.Op)
}

func TestAdvisoryModeReleasesLock(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	_, store, _ := setupStore(t, StoreConfig{Mode: ModeAdvisory, Locker: locker})
	ctx := context.Background()

	h := store.Handler()
	data, err := h.Read(ctx, sidA)
	require.NoError(t, err)
	require.Nil(t, data)
	require.Equal(t, 1, locker.held())
	require.NoError(t, h.Close(ctx))
	require.Zero(t, locker.held())
}

func TestAdvisoryModeDefaultsToLocalLockerOnSQLite(t *testing.T) {
	_, store, _ := setupStore(t, StoreConfig{Mode: ModeAdvisory})
	_, ok := store.locker.(*LocalLocker)
	require.True(t, ok)
}

func TestStorageErrorFlagsLockTimeouts(t *testing.T) {
	err := storageError("read", context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, IsStorageError(err))
	require.Nil(t, storageError("read", nil))
}
