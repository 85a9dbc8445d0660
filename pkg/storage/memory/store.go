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

package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ephemera-project/ephemera/pkg/storage"
)

// Store implements storage.KV with a process-local map. Used when no
// persistence credential is configured, and by the engine tests.
type Store struct {
	mu      sync.RWMutex
	records map[string]*storage.Record
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*storage.Record),
	}
}

// Get retrieves the record stored under key, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[key]
	if !exists {
		return nil, nil
	}

	// Return a copy so callers cannot mutate the stored record.
	cp := *rec
	cp.Value = append([]byte(nil), rec.Value...)
	return &cp, nil
}

// Put unconditionally overwrites the record under key.
func (s *Store) Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64 = 1
	if old, exists := s.records[key]; exists {
		version = old.Version + 1
	}
	s.records[key] = &storage.Record{
		Value:     append([]byte(nil), value...),
		Version:   version,
		ExpiresAt: expiresAt,
	}
	return nil
}

// PutIfVersion overwrites only when the stored version matches.
func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, expectedVersion int64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.records[key]
	switch {
	case !exists && expectedVersion != 0:
		return storage.ErrVersionConflict
	case exists && old.Version != expectedVersion:
		return storage.ErrVersionConflict
	}

	s.records[key] = &storage.Record{
		Value:     append([]byte(nil), value...),
		Version:   expectedVersion + 1,
		ExpiresAt: expiresAt,
	}
	return nil
}

// Delete removes the record under key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; !exists {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// List returns all keys starting with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Ping always succeeds for the memory store.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]*storage.Record)
	s.mu.Unlock()
}

// Len returns the number of stored records (useful for testing).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
