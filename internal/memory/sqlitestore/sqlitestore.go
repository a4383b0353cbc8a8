// Package sqlitestore persists encoded memory records in SQLite.
//
// Every record is written to a primary table and a backup table in one
// transaction so the memory store can restore a record whose primary row is
// damaged.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/arcache/internal/memory"
)

const schema = `
	CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_backups (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
`

// Store implements memory.Backend on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ memory.Backend = (*Store)(nil)

// Open connects to the database at path (a file path or ":memory:") and
// creates the schema if needed.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("sqlite memory backend opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Put writes payload to both tables.
func (s *Store) Put(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"memory_records", "memory_backups"} {
			query := `INSERT INTO ` + table + ` (id, payload, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
			if _, err := tx.ExecContext(ctx, query, id, payload, now); err != nil {
				return fmt.Errorf("failed to write %s: %w", table, err)
			}
		}
		return nil
	})
}

// Delete removes ids from both tables.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"memory_records", "memory_backups"} {
			query := `DELETE FROM ` + table + ` WHERE id IN (` + placeholders + `)`
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

type row struct {
	id      string
	payload []byte
}

// Scan reads every primary row, then calls fn for each in id order.
func (s *Store) Scan(ctx context.Context, fn func(id string, payload []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM memory_records ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to query records: %w", err)
	}

	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan record: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating records: %w", err)
	}
	rows.Close()

	for _, r := range all {
		if err := fn(r.id, r.payload); err != nil {
			return err
		}
	}
	return nil
}

// Backup returns the backup row for id.
func (s *Store) Backup(ctx context.Context, id string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM memory_backups WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read backup %s: %w", id, err)
	}
	return payload, true, nil
}

// Count returns the number of primary rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
