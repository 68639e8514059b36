package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE SEQUENCE IF NOT EXISTS ledger_version_seq;
CREATE TABLE IF NOT EXISTS ledger_nodes (
	path       TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore implements Store on a single PostgreSQL table. Versions come
// from a sequence; conditional writes are single guarded statements.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. The store owns the
// pool and closes it on Close.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the ledger table and version sequence if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, path string) (Node, error) {
	var data string
	var n Node
	err := s.pool.QueryRow(ctx,
		`SELECT data::TEXT, version FROM ledger_nodes WHERE path = $1`, path).
		Scan(&data, &n.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("read %s: %w", path, err)
	}
	n.Data = []byte(data)
	return n, nil
}

func (s *PostgresStore) Write(ctx context.Context, path string, data []byte) (int64, error) {
	if data == nil {
		if _, err := s.pool.Exec(ctx, `DELETE FROM ledger_nodes WHERE path = $1`, path); err != nil {
			return 0, fmt.Errorf("delete %s: %w", path, err)
		}
		return 0, nil
	}

	var version int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ledger_nodes (path, data, version)
		 VALUES ($1, $2::JSONB, nextval('ledger_version_seq'))
		 ON CONFLICT (path) DO UPDATE
		 SET data = EXCLUDED.data, version = EXCLUDED.version, updated_at = now()
		 RETURNING version`,
		path, string(data)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return version, nil
}

func (s *PostgresStore) ConditionalWrite(ctx context.Context, path string, expected int64, data []byte) (int64, error) {
	switch {
	case expected == 0 && data == nil:
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM ledger_nodes WHERE path = $1)`, path).Scan(&exists); err != nil {
			return 0, fmt.Errorf("conditional delete %s: %w", path, err)
		}
		if exists {
			return 0, ErrVersionConflict
		}
		return 0, nil

	case data == nil:
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM ledger_nodes WHERE path = $1 AND version = $2`, path, expected)
		if err != nil {
			return 0, fmt.Errorf("conditional delete %s: %w", path, err)
		}
		if tag.RowsAffected() == 0 {
			return 0, ErrVersionConflict
		}
		return 0, nil

	case expected == 0:
		return s.guardedReturning(ctx, path,
			`INSERT INTO ledger_nodes (path, data, version)
			 VALUES ($1, $2::JSONB, nextval('ledger_version_seq'))
			 ON CONFLICT (path) DO NOTHING
			 RETURNING version`,
			path, string(data))

	default:
		return s.guardedReturning(ctx, path,
			`UPDATE ledger_nodes
			 SET data = $2::JSONB, version = nextval('ledger_version_seq'), updated_at = now()
			 WHERE path = $1 AND version = $3
			 RETURNING version`,
			path, string(data), expected)
	}
}

// guardedReturning runs a statement that returns the new version, or no row
// when its guard did not match.
func (s *PostgresStore) guardedReturning(ctx context.Context, path, sql string, args ...any) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("conditional write %s: %w", path, err)
	}
	return version, nil
}

func (s *PostgresStore) Append(ctx context.Context, prefix string, data []byte) (string, error) {
	id := uuid.NewString()
	if _, err := s.ConditionalWrite(ctx, childPrefix(prefix)+id, 0, data); err != nil {
		return "", fmt.Errorf("append %s: %w", prefix, err)
	}
	return id, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, data::TEXT, version
		 FROM ledger_nodes
		 WHERE starts_with(path, $1)
		 ORDER BY path`, childPrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var data string
		if err := rows.Scan(&e.Path, &data, &e.Version); err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		e.Data = []byte(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
