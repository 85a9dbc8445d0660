package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ephemera-project/ephemera/pkg/storage"
)

// Store implements storage.KV on a local SQLite file. Meant for single-node
// deployments that want persistence without a database server.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database file and ensures the schema.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// A single writer keeps version counters consistent without
	// SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_records (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		version    INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_records_expires ON kv_records(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves the record stored under key, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	var rec storage.Record
	var expiresUnixMs int64

	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, expires_at FROM kv_records WHERE key = ?`, key).
		Scan(&rec.Value, &rec.Version, &expiresUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	rec.ExpiresAt = time.UnixMilli(expiresUnixMs)
	return &rec, nil
}

// Put unconditionally overwrites the record under key.
func (s *Store) Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_records (key, value, version, expires_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value,
		    version = kv_records.version + 1,
		    expires_at = excluded.expires_at
	`, key, value, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// PutIfVersion overwrites only when the stored version matches.
func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion int64, expiresAt time.Time) error {
	if expectedVersion == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_records (key, value, version, expires_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (key) DO NOTHING
		`, key, value, expiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrVersionConflict
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_records
		SET value = ?, version = version + 1, expires_at = ?
		WHERE key = ? AND version = ?
	`, value, expiresAt.UnixMilli(), key, expectedVersion)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

// Delete removes the record under key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns all keys starting with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := likeEscape(prefix) + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_records WHERE key LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
