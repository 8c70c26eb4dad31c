package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/models"
)

func openMemory(t *testing.T, name string) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite", Name: name})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func TestOpenSQLiteMemoryAndMigrate(t *testing.T) {
	db := openMemory(t, "open_and_migrate")

	require.NoError(t, Ping(db))
	require.Equal(t, DialectSQLite, Dialect(db))
	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{"users", "sessions", "autologin", "failed_logins", "audit_logs", "cache_entries", "account_tokens"} {
		require.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.ErrorContains(t, err, "unsupported database driver")
}

func TestConnUsesScopedTransaction(t *testing.T) {
	db := openMemory(t, "conn_scope")
	require.NoError(t, AutoMigrate(db))

	scope := &TxScope{}
	ctx := WithScope(context.Background(), scope)
	require.False(t, InTx(ctx))

	tx := db.Begin()
	require.NoError(t, tx.Error)
	scope.Set(tx)
	require.True(t, InTx(ctx))

	require.NoError(t, Conn(ctx, db).Create(&models.Session{ID: "scoped", Expiry: 10}).Error)
	require.NoError(t, tx.Rollback().Error)
	scope.Clear()
	require.False(t, InTx(ctx))

	var count int64
	require.NoError(t, Conn(ctx, db).Model(&models.Session{}).Where("id = ?", "scoped").Count(&count).Error)
	require.Zero(t, count)
}
