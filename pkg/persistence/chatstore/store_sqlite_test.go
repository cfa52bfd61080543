package chatstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteStoreSchemaAndReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	dsn, err := SQLiteDSNForFile(dbPath)
	require.NoError(t, err)

	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	sess, err := NewSession("persisted", "demo-user", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.Close())

	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	reopened, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.GetSession(ctx, "persisted")
	require.NoError(t, err)
	require.Equal(t, "demo-user", got.UserID)

	for _, table := range []string{"sessions", "session_events"} {
		var n int
		require.NoError(t, reopened.db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		require.Equal(t, 1, n, table)
	}
}

func TestSQLiteStoreValidation(t *testing.T) {
	_, err := NewSQLiteStore("")
	require.Error(t, err)
	_, err = SQLiteDSNForFile(" ")
	require.Error(t, err)

	var nilStore *SQLiteStore
	require.NoError(t, nilStore.Close())
	require.Error(t, nilStore.Append(context.Background(), Event{}))
}
