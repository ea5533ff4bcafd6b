package chainstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_chain_heads (
	run_id TEXT PRIMARY KEY,
	head TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLStore implements Store using database/sql.
// The statements run unchanged on SQLite and Postgres.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// OpenSQL opens driverName/dsn and creates the table. "sqlite" is always
// registered; "postgres" needs github.com/lib/pq linked into the binary.
func OpenSQL(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("chainstore: open %s: %w", driverName, err)
	}
	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chainstore: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Head(ctx context.Context, runID string) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx, `SELECT head FROM run_chain_heads WHERE run_id = $1`, runID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chainstore: read head: %w", err)
	}
	return head, nil
}

func (s *SQLStore) Advance(ctx context.Context, runID, prev, next string) error {
	if err := checkArgs(runID, next); err != nil {
		return err
	}
	updatedAt := s.now().UTC().Format(time.RFC3339Nano)

	var (
		res sql.Result
		err error
	)
	if prev == "" {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO run_chain_heads (run_id, head, updated_at) VALUES ($1, $2, $3) ON CONFLICT (run_id) DO NOTHING`,
			runID, next, updatedAt)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE run_chain_heads SET head = $1, updated_at = $2 WHERE run_id = $3 AND head = $4`,
			next, updatedAt, runID, prev)
	}
	if err != nil {
		return fmt.Errorf("chainstore: advance head: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		actual, headErr := s.Head(ctx, runID)
		if headErr != nil {
			return headErr
		}
		return &ConflictError{RunID: runID, Expected: prev, Actual: actual}
	}
	return nil
}
