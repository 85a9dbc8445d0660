// Copyright (C) 2025 ephemera-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ephemera-project/ephemera/pkg/storage"
)

// Store implements storage.KV on top of a single PostgreSQL table.
// Writes are full-record overwrites; the version column backs PutIfVersion.
type Store struct {
	pool *pgxpool.Pool
}

// schema is applied on startup. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS kv_records (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	version    BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_records_expires_at ON kv_records (expires_at);
`

// NewStore connects to PostgreSQL and ensures the schema exists.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Get retrieves the record stored under key, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	query := `
		SELECT value, version, expires_at
		FROM kv_records
		WHERE key = $1
	`

	var rec storage.Record
	err := s.pool.QueryRow(ctx, query, key).Scan(&rec.Value, &rec.Version, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return &rec, nil
}

// Put unconditionally overwrites the record under key.
func (s *Store) Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	query := `
		INSERT INTO kv_records (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = $2, version = kv_records.version + 1, expires_at = $3
	`

	if _, err := s.pool.Exec(ctx, query, key, value, expiresAt); err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

// PutIfVersion overwrites only when the stored version matches.
func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion int64, expiresAt time.Time) error {
	if expectedVersion == 0 {
		query := `
			INSERT INTO kv_records (key, value, version, expires_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (key) DO NOTHING
		`
		tag, err := s.pool.Exec(ctx, query, key, value, expiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrVersionConflict
		}
		return nil
	}

	query := `
		UPDATE kv_records
		SET value = $2, version = version + 1, expires_at = $3
		WHERE key = $1 AND version = $4
	`
	tag, err := s.pool.Exec(ctx, query, key, value, expiresAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrVersionConflict
	}
	return nil
}

// Delete removes the record under key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_records WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns all keys starting with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := likeEscape(prefix) + "%"

	rows, err := s.pool.Query(ctx, `SELECT key FROM kv_records WHERE key LIKE $1`, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// likeEscape escapes LIKE metacharacters in a literal prefix.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
