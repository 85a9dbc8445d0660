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

package relay

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/pkg/storage/memory"
)

const (
	testInvite = "Ab3Xy9Zk"
	testHash   = "deadbeefdeadbeef"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	log := logger.NewLogger(&bytes.Buffer{}, logger.ErrorLevel)
	return NewEngineWithConfig(store, log, cfg), store
}

func TestPush_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		invite, hash string
		index, total int
		data         string
	}{
		{"short invite", "abc", testHash, 0, 2, "x"},
		{"invite with symbol", "Ab3Xy9Z!", testHash, 0, 2, "x"},
		{"short password hash", testInvite, "short", 0, 2, "x"},
		{"index below range", testInvite, testHash, -1, 2, "x"},
		{"index at totalChunks", testInvite, testHash, 2, 2, "x"},
		{"zero totalChunks", testInvite, testHash, 0, 0, "x"},
		{"totalChunks too large", testInvite, testHash, 0, MaxTotalChunks + 1, "x"},
		{"empty data", testInvite, testHash, 0, 2, ""},
		{"oversized data", testInvite, testHash, 0, 2, string(make([]byte, MaxChunkBytes+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Push(ctx, tt.invite, tt.hash, tt.index, tt.total, tt.data)
			require.ErrorIs(t, err, ErrInvalidChunk)
		})
	}
}

func TestTwoChunkTransfer(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 2, "C0"))
	require.NoError(t, e.Push(ctx, testInvite, testHash, 1, 2, "C1"))

	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusChunkAvailable, res.Status)
	require.Equal(t, &Chunk{ChunkIndex: 0, TotalChunks: 2, Data: "C0"}, res.Chunk)

	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusChunkAvailable, res.Status)
	require.Equal(t, &Chunk{ChunkIndex: 1, TotalChunks: 2, Data: "C1"}, res.Chunk)

	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
	require.Nil(t, res.Chunk)
}

func TestDuplicateIndexRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 2, "A"))
	require.ErrorIs(t, e.Push(ctx, testInvite, testHash, 0, 2, "B"), ErrDuplicateChunk)

	// The original data survives.
	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, "A", res.Chunk.Data)
}

func TestDuplicateOfDeliveredIndexRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 2, "A"))
	_, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)

	require.ErrorIs(t, e.Push(ctx, testInvite, testHash, 0, 2, "A"), ErrDuplicateChunk)
}

func TestTotalChunksMismatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 2, "A"))
	require.ErrorIs(t, e.Push(ctx, testInvite, testHash, 1, 3, "B"), ErrTotalChunksMismatch)
}

func TestOutOfOrderArrivalDeliveredInOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// Index 1 arrives first; the receiver must wait for index 0.
	require.NoError(t, e.Push(ctx, testInvite, testHash, 1, 2, "C1"))

	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, res.Status)

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 2, "C0"))

	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, 0, res.Chunk.ChunkIndex)

	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, 1, res.Chunk.ChunkIndex)
}

func TestAnyPushOrderRoundTrips(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	const n = 8
	order := []int{5, 0, 7, 2, 1, 6, 3, 4}
	for _, idx := range order {
		require.NoError(t, e.Push(ctx, testInvite, testHash, idx, n, fmt.Sprintf("D%d", idx)))
	}

	for want := 0; want < n; want++ {
		res, err := e.Next(ctx, testInvite, testHash)
		require.NoError(t, err)
		require.Equal(t, StatusChunkAvailable, res.Status)
		require.Equal(t, want, res.Chunk.ChunkIndex)
		require.Equal(t, fmt.Sprintf("D%d", want), res.Chunk.Data)
	}

	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
}

func TestReceiveBeforePushReportsExpired(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, res.Status)
}

func TestPlaceholderOnPoll(t *testing.T) {
	store := memory.NewStore()
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.PlaceholderOnPoll = true
	log := logger.NewLogger(&bytes.Buffer{}, logger.ErrorLevel)
	e := NewEngineWithConfig(store, log, cfg)
	ctx := context.Background()

	// Pre-push poll creates a session waiting for the sender.
	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, res.Status)

	// The first push fixes the chunk count and the transfer proceeds.
	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 1, "only"))

	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusChunkAvailable, res.Status)
	require.Equal(t, 1, res.Chunk.TotalChunks)
}

func TestSessionExpiry(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 2, "A"))

	// Step the engine clock past the session TTL.
	e.now = func() time.Time { return time.Now().Add(SessionTTL(2) + time.Second) }

	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, res.Status)

	// The stale record was destroyed on read.
	e.now = time.Now
	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, res.Status)
}

func TestSessionTTLGrowsWithSizeAndCaps(t *testing.T) {
	require.Equal(t, 60*time.Second+time.Second, SessionTTL(2))
	require.Equal(t, 180*time.Second, SessionTTL(2048))
}

func TestAckSurvivesSessionTeardown(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 1, "A"))

	_, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)

	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)

	require.NoError(t, e.SetAck(ctx, testInvite, testHash))

	// This poll observes the ack and destroys the session record.
	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)

	// The session is gone...
	res, err = e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, res.Status)

	// ...but the sender still sees the acknowledgment.
	acked, err := e.AckStatus(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.True(t, acked)
}

func TestAckStatusFalseWithoutAck(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	acked, err := e.AckStatus(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.False(t, acked)

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 1, "A"))
	acked, err = e.AckStatus(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.False(t, acked)
}

// newRacingEngine returns an engine with a generous retry budget so the
// convergence properties are observable without flaky conflict exits.
func newRacingEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 50
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	log := logger.NewLogger(&bytes.Buffer{}, logger.ErrorLevel)
	return NewEngineWithConfig(memory.NewStore(), log, cfg)
}

func TestConcurrentDistinctPushersConverge(t *testing.T) {
	e := newRacingEngine(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = e.Push(ctx, testInvite, testHash, idx, n, fmt.Sprintf("D%d", idx))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "pusher %d", i)
	}

	// Every index comes out exactly once, in order.
	for want := 0; want < n; want++ {
		res, err := e.Next(ctx, testInvite, testHash)
		require.NoError(t, err)
		require.Equal(t, StatusChunkAvailable, res.Status, "index %d", want)
		require.Equal(t, want, res.Chunk.ChunkIndex)
		require.Equal(t, fmt.Sprintf("D%d", want), res.Chunk.Data)
	}

	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)
}

func TestConcurrentSameIndexPushersAtMostOneWins(t *testing.T) {
	e := newRacingEngine(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Push(ctx, testInvite, testHash, 0, 2, fmt.Sprintf("racer-%d", i))
		}(i)
	}
	wg.Wait()

	var wins, dups int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, ErrDuplicateChunk)
			dups++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, racers-1, dups)

	// The delivered data belongs to the single winner.
	res, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)
	require.Contains(t, res.Chunk.Data, "racer-")
}

func TestSessionInvariants(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	const n = 6
	for _, idx := range []int{3, 0, 5, 1} {
		require.NoError(t, e.Push(ctx, testInvite, testHash, idx, n, "x"))
	}
	for i := 0; i < 2; i++ {
		_, err := e.Next(ctx, testInvite, testHash)
		require.NoError(t, err)
	}

	checkInvariants := func() {
		keys, err := store.List(ctx, "sess/")
		require.NoError(t, err)
		require.Len(t, keys, 1)

		sess, err := e.loadAlive(ctx, keys[0])
		require.NoError(t, err)
		require.NotNil(t, sess)

		require.LessOrEqual(t, len(sess.Delivered), sess.TotalChunks)
		for _, d := range sess.Delivered {
			require.GreaterOrEqual(t, d, 0)
			require.Less(t, d, sess.TotalChunks)
			_, pending := sess.Chunks[d]
			require.False(t, pending, "delivered index %d still pending", d)
		}
		for idx := range sess.Chunks {
			require.GreaterOrEqual(t, idx, 0)
			require.Less(t, idx, sess.TotalChunks)
		}
	}
	checkInvariants()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 2, n, "x"))
	checkInvariants()
}

func TestCompletedSessionHasNoChunks(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Push(ctx, testInvite, testHash, 0, 1, "A"))
	_, err := e.Next(ctx, testInvite, testHash)
	require.NoError(t, err)

	keys, err := store.List(ctx, "sess/")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	sess, err := e.loadAlive(ctx, keys[0])
	require.NoError(t, err)
	require.True(t, sess.Completed)
	require.Empty(t, sess.Chunks)
}
