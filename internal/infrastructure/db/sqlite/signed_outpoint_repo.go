package sqlitedb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/wire"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/revault/cosignerd/internal/core/domain"
)

const (
	dbFile    = "cosignerd.sqlite3"
	dbVersion = 0
	poolSize  = 4
)

const schema = `
CREATE TABLE IF NOT EXISTS db_params (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS signed_outpoints (
	txid BLOB NOT NULL,
	vout INTEGER NOT NULL,
	signature BLOB NOT NULL,
	PRIMARY KEY (txid, vout)
);
`

type signedOutpointRepository struct {
	pool *sqlitex.Pool
}

func NewSignedOutpointRepository(baseDir string) (domain.SignedOutpointRepository, error) {
	path := filepath.Join(baseDir, dbFile)
	fresh, err := createDBFile(path)
	if err != nil {
		return nil, err
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %s", err)
	}

	repo := &signedOutpointRepository{pool}
	if err := repo.setup(fresh); err != nil {
		// nolint:all
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *signedOutpointRepository) Get(
	ctx context.Context, outpoint wire.OutPoint,
) (*domain.SignedOutpoint, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get db connection: %s", err)
	}
	defer r.pool.Put(conn)

	var signature []byte
	if err := sqlitex.Execute(
		conn, "SELECT signature FROM signed_outpoints WHERE txid = ? AND vout = ?;",
		&sqlitex.ExecOptions{
			Args: []any{outpoint.Hash[:], int64(outpoint.Index)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				signature = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, signature)
				return nil
			},
		},
	); err != nil {
		return nil, fmt.Errorf("failed to query signed outpoint: %s", err)
	}
	if signature == nil {
		return nil, domain.ErrSignedOutpointNotFound
	}

	return &domain.SignedOutpoint{Outpoint: outpoint, Signature: signature}, nil
}

func (r *signedOutpointRepository) AddBatch(
	ctx context.Context, entries []domain.SignedOutpoint,
) (err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("failed to get db connection: %s", err)
	}
	defer r.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("failed to begin db transaction: %s", err)
	}
	defer endFn(&err)

	for _, entry := range entries {
		if err = sqlitex.Execute(
			conn, "INSERT INTO signed_outpoints (txid, vout, signature) VALUES (?, ?, ?);",
			&sqlitex.ExecOptions{
				Args: []any{entry.Outpoint.Hash[:], int64(entry.Outpoint.Index), entry.Signature},
			},
		); err != nil {
			if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
				err = &domain.OutpointConflictError{Outpoint: entry.Outpoint}
			}
			return err
		}
	}
	return nil
}

func (r *signedOutpointRepository) Close() {
	// nolint:all
	r.pool.Close()
}

func (r *signedOutpointRepository) setup(fresh bool) error {
	conn, err := r.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get db connection: %s", err)
	}
	defer r.pool.Put(conn)

	if fresh {
		return initSchema(conn)
	}

	version := int64(-1)
	if err := sqlitex.Execute(conn, "SELECT version FROM db_params;", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	}); err != nil {
		return fmt.Errorf("failed to read db version: %s", err)
	}
	if version != dbVersion {
		return fmt.Errorf("unexpected db version: got %d, expected %d", version, dbVersion)
	}
	return nil
}

// initSchema creates the tables and the version row in a single transaction:
// an interrupted setup rolls back to an empty database instead of leaving a
// schema without its version row.
func initSchema(conn *sqlite.Conn) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("failed to begin db transaction: %s", err)
	}
	defer endFn(&err)

	if err = sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("failed to create db schema: %s", err)
	}
	if err = sqlitex.Execute(
		conn, "INSERT INTO db_params (version) VALUES (?);",
		&sqlitex.ExecOptions{Args: []any{dbVersion}},
	); err != nil {
		return fmt.Errorf("failed to set db version: %s", err)
	}
	return nil
}

// prepareConn applies the ledger pragmas to every pooled connection. WAL
// keeps concurrent lookups off the writer's back; synchronous=FULL makes a
// committed batch survive an OS crash, which must hold before a signature
// leaves the daemon.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("failed to apply %q: %s", pragma, err)
		}
	}
	return nil
}

// createDBFile pre-creates the db file so it never exists with permissions
// wider than 0600. It reports whether the file was created by this call.
func createDBFile(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create db file: %s", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("failed to create db file: %s", err)
	}
	return true, nil
}
