package sqlstore

import (
	"testing"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/cuongbtq/crop-copilot-be/internal/storage/storagetest"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db.DB, DialectSQLite))
	return db
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock func() time.Time) storage.Store {
		return New(openTestDB(t), WithClock(clock))
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)

	// Second run has nothing to apply
	require.NoError(t, Migrate(db.DB, DialectSQLite))

	m, err := NewMigrator(db.DB, DialectSQLite)
	require.NoError(t, err)

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestNewMigrator_UnsupportedDialect(t *testing.T) {
	db := openTestDB(t)

	_, err := NewMigrator(db.DB, "oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestStore_Ping(t *testing.T) {
	s := New(openTestDB(t))
	assert.NoError(t, s.Ping(t.Context()))
}
