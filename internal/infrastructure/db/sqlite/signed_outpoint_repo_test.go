package sqlitedb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	sqlitedb "github.com/revault/cosignerd/internal/infrastructure/db/sqlite"
)

const dbFileName = "cosignerd.sqlite3"

func TestFreshSetupWritesVersionRow(t *testing.T) {
	baseDir := t.TempDir()
	repo, err := sqlitedb.NewSignedOutpointRepository(baseDir)
	require.NoError(t, err)
	repo.Close()

	conn, err := sqlite.OpenConn(filepath.Join(baseDir, dbFileName))
	require.NoError(t, err)
	defer conn.Close()

	version := int64(-1)
	require.NoError(t, sqlitex.Execute(conn, "SELECT version FROM db_params;", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	}))
	require.Equal(t, int64(0), version)
}

func TestOpenRejectsMissingVersionRow(t *testing.T) {
	// A database whose schema exists without its version row cannot be told
	// apart from one created by a future, incompatible release. Opening it
	// must fail instead of guessing.
	baseDir := t.TempDir()
	conn, err := sqlite.OpenConn(filepath.Join(baseDir, dbFileName))
	require.NoError(t, err)
	require.NoError(t, sqlitex.ExecuteScript(
		conn, "CREATE TABLE db_params (version INTEGER NOT NULL);", nil,
	))
	require.NoError(t, conn.Close())

	_, err = sqlitedb.NewSignedOutpointRepository(baseDir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected db version")
}
