package cas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/lib/pq"              // postgres driver
	_ "github.com/mattn/go-sqlite3"    // sqlite driver

	"github.com/workflowd/engine/pkg/hashref"
)

// Driver names accepted by NewSQLStore, matching the teacher's
// --storage flag vocabulary (sqlite, postgres, mysql).
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// SQLStore is a database/sql-backed CAS implementation: a single table
// keyed by content ref. It's an alternative to FileStore for deployments
// that already centralize state in a relational database rather than a
// local data directory.
type SQLStore struct {
	db    *sql.DB
	table string
}

// NewSQLStore opens driverName/dsn and ensures the backing table exists.
// table must be a fixed, trusted identifier (not user input) since it is
// interpolated into DDL/DML — callers pass a compile-time constant such as
// "cas_blobs".
func NewSQLStore(ctx context.Context, driverName, dsn, table string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("cas: open %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("cas: ping %s: %w", driverName, err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ref TEXT PRIMARY KEY,
		body BLOB NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("cas: create table %s: %w", table, err)
	}

	return &SQLStore{db: db, table: table}, nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Put(ctx context.Context, ref string, b []byte) error {
	existing, ok, err := s.Get(ctx, ref)
	if err != nil {
		var corrupt *ErrCorruption
		if !errors.As(err, &corrupt) {
			return err
		}
	}
	if ok {
		if string(existing) != string(b) {
			return fmt.Errorf("cas: ref %s already stored with different content", ref)
		}
		return nil
	}

	q := fmt.Sprintf("INSERT INTO %s (ref, body) VALUES (?, ?)", s.table)
	_, err = s.db.ExecContext(ctx, q, ref, b)
	if err != nil {
		// Idempotent put racing another writer: a unique-constraint error
		// on the same ref is not a failure.
		existing2, ok2, getErr := s.Get(ctx, ref)
		if getErr == nil && ok2 && string(existing2) == string(b) {
			return nil
		}
		return fmt.Errorf("cas: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, ref string) ([]byte, bool, error) {
	q := fmt.Sprintf("SELECT body FROM %s WHERE ref = ?", s.table)
	row := s.db.QueryRowContext(ctx, q, ref)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cas: select: %w", err)
	}

	if err := hashref.Verify(ref, body); err != nil {
		return nil, false, &ErrCorruption{Ref: ref, Err: err}
	}
	return body, true, nil
}
