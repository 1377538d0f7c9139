package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrateCreatesSchemaAndIsRepeatable(t *testing.T) {
	sqdb, err := OpenSQLite(filepath.Join(t.TempDir(), "app.db"), 1, 1, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, sqdb, DriverSQLite))
	require.NoError(t, Migrate(ctx, sqdb, DriverSQLite))

	for _, table := range []string{"documents", "signers", "verification_attempts", "audit_events"} {
		var n int
		err := sqdb.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		require.Equal(t, 1, n, "table %s", table)
	}
}

func TestMigrateRejectsUnknownDriver(t *testing.T) {
	require.Error(t, Migrate(context.Background(), nil, "oracle"))
}

func TestMySQLDSNForcesParseTime(t *testing.T) {
	dsn, err := mysqlDSN("app:secret@tcp(db:3306)/signgate")
	require.NoError(t, err)
	require.Contains(t, dsn, "parseTime=true")
}
