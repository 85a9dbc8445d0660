package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/keyspace"
	"github.com/ephemera-project/ephemera/pkg/storage"
)

// Engine is the chunk mailbox state machine. All mutations go through an
// optimistic write loop: read, modify, full-record put, read back and
// verify. The read-back is what closes the race against concurrent
// last-writer-wins puts on backends without native compare-and-swap.
type Engine struct {
	kv  storage.KV
	log logger.Logger
	cfg Config

	// now is swapped by tests to step through TTLs.
	now func() time.Time
}

// NewEngine creates an engine with default tuning.
func NewEngine(kv storage.KV, log logger.Logger) *Engine {
	return NewEngineWithConfig(kv, log, DefaultConfig())
}

// NewEngineWithConfig creates an engine with custom tuning.
func NewEngineWithConfig(kv storage.KV, log logger.Logger, cfg Config) *Engine {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 50 * time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 500 * time.Millisecond
	}
	if cfg.AckTTL == 0 {
		cfg.AckTTL = 180 * time.Second
	}
	return &Engine{
		kv:  kv,
		log: log,
		cfg: cfg,
		now: time.Now,
	}
}

// PlaceholderOnPoll reports whether a pre-push receiver poll creates a
// session waiting for the sender.
func (e *Engine) PlaceholderOnPoll() bool {
	return e.cfg.PlaceholderOnPoll
}

// Push stores one ciphertext chunk. A nil error means the chunk is queued
// and the sender should keep waiting for the receiver.
func (e *Engine) Push(ctx context.Context, inviteCode, passwordHash string, chunkIndex, totalChunks int, data string) error {
	if err := validatePush(inviteCode, passwordHash, chunkIndex, totalChunks, data); err != nil {
		metrics.ChunksPushed.WithLabelValues("invalid").Inc()
		return err
	}

	key := keyspace.SessionKey(inviteCode, passwordHash)

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.PushRetries.Inc()
			if err := e.backoff(ctx, attempt); err != nil {
				return err
			}
		}

		sess, err := e.loadAlive(ctx, key)
		if err != nil {
			return err
		}

		now := e.now()
		if sess == nil {
			sess = e.newSession(now, totalChunks)
		} else if sess.WaitingForSender {
			// Placeholder created by an eager receiver; the first
			// push fixes the chunk count.
			sess.TotalChunks = totalChunks
			sess.WaitingForSender = false
		}

		if sess.TotalChunks != totalChunks {
			metrics.ChunksPushed.WithLabelValues("mismatch").Inc()
			return ErrTotalChunksMismatch
		}
		if _, pending := sess.Chunks[chunkIndex]; pending || deliveredContains(sess.Delivered, chunkIndex) {
			metrics.ChunksPushed.WithLabelValues("duplicate").Inc()
			return ErrDuplicateChunk
		}

		sess.Chunks[chunkIndex] = data
		sess.Version++
		sess.LastTouched = now
		sess.ExpiresAt = now.Add(SessionTTL(sess.TotalChunks))

		if err := e.put(ctx, key, sess); err != nil {
			return err
		}

		verified, err := e.verifyPush(ctx, key, chunkIndex, data, sess.Version)
		if err != nil {
			return err
		}
		if verified {
			metrics.ChunksPushed.WithLabelValues("accepted").Inc()
			metrics.PushAttempts.Observe(float64(attempt + 1))
			metrics.ChunkBytes.Observe(float64(len(data)))
			return nil
		}
	}

	metrics.ChunksPushed.WithLabelValues("conflict").Inc()
	e.log.Warn("push retry budget exhausted",
		logger.String("invite", inviteCode),
		logger.Int("chunkIndex", chunkIndex))
	return ErrConcurrencyConflict
}

// Next hands the receiver the lowest pending in-order chunk, or reports
// waiting / done / expired.
func (e *Engine) Next(ctx context.Context, inviteCode, passwordHash string) (NextResult, error) {
	if err := validateChannel(inviteCode, passwordHash); err != nil {
		return NextResult{}, err
	}

	key := keyspace.SessionKey(inviteCode, passwordHash)

	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return NextResult{}, err
			}
		}

		sess, err := e.loadAlive(ctx, key)
		if err != nil {
			return NextResult{}, err
		}

		now := e.now()
		if sess == nil {
			if e.cfg.PlaceholderOnPoll {
				if err := e.createPlaceholder(ctx, key, now); err != nil {
					continue // lost the creation race, re-read
				}
				return NextResult{Status: StatusWaiting}, nil
			}
			return NextResult{Status: StatusExpired}, nil
		}

		if sess.WaitingForSender {
			return NextResult{Status: StatusWaiting}, nil
		}

		if sess.Completed {
			return e.finishDone(ctx, key, inviteCode, passwordHash)
		}

		nextIdx := len(sess.Delivered)
		data, ok := sess.Chunks[nextIdx]
		if !ok {
			return NextResult{Status: StatusWaiting}, nil
		}

		delete(sess.Chunks, nextIdx)
		sess.Delivered = append(sess.Delivered, nextIdx)
		if len(sess.Delivered) == sess.TotalChunks {
			sess.Completed = true
			sess.Chunks = make(map[int]string)
			metrics.SessionsCompleted.Inc()
		}
		sess.Version++
		sess.LastTouched = now
		sess.ExpiresAt = now.Add(SessionTTL(sess.TotalChunks))

		if err := e.put(ctx, key, sess); err != nil {
			return NextResult{}, err
		}

		verified, err := e.verifyDelivery(ctx, key, nextIdx, sess.Version)
		if err != nil {
			return NextResult{}, err
		}
		if verified {
			metrics.ChunksDelivered.Inc()
			return NextResult{
				Status: StatusChunkAvailable,
				Chunk: &Chunk{
					ChunkIndex:  nextIdx,
					TotalChunks: sess.TotalChunks,
					Data:        data,
				},
			}, nil
		}
	}

	// The poll is idempotent; let the receiver come back rather than
	// surfacing the lost race.
	return NextResult{Status: StatusWaiting}, nil
}

// SetAck records the receiver's acknowledgment. The record lives at its
// own key so it survives session teardown.
func (e *Engine) SetAck(ctx context.Context, inviteCode, passwordHash string) error {
	if err := validateChannel(inviteCode, passwordHash); err != nil {
		return err
	}

	now := e.now()
	ack := AckRecord{Acknowledged: true, ExpiresAt: now.Add(e.cfg.AckTTL)}
	raw, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	ackKey := keyspace.AckKey(inviteCode, passwordHash)
	if err := e.kv.Put(ctx, ackKey, raw, ack.ExpiresAt); err != nil {
		return fmt.Errorf("store ack: %w", err)
	}

	// Best-effort flip of the in-session flag; the ack record above is
	// authoritative.
	sessKey := keyspace.SessionKey(inviteCode, passwordHash)
	if sess, err := e.loadAlive(ctx, sessKey); err == nil && sess != nil && !sess.Acknowledged {
		sess.Acknowledged = true
		sess.Version++
		sess.LastTouched = now
		_ = e.put(ctx, sessKey, sess)
	}
	return nil
}

// AckStatus reports whether the receiver acknowledged the transfer. The
// standalone ack record is consulted first; the in-session flag is the
// fallback for senders racing the receiver's teardown.
func (e *Engine) AckStatus(ctx context.Context, inviteCode, passwordHash string) (bool, error) {
	if err := validateChannel(inviteCode, passwordHash); err != nil {
		return false, err
	}

	now := e.now()
	rec, err := e.kv.Get(ctx, keyspace.AckKey(inviteCode, passwordHash))
	if err != nil {
		return false, err
	}
	if storage.Alive(rec, now) {
		var ack AckRecord
		if err := json.Unmarshal(rec.Value, &ack); err != nil {
			return false, fmt.Errorf("decode ack: %w", err)
		}
		return ack.Acknowledged, nil
	}

	sess, err := e.loadAlive(ctx, keyspace.SessionKey(inviteCode, passwordHash))
	if err != nil {
		return false, err
	}
	return sess != nil && sess.Acknowledged, nil
}

// finishDone handles polls after completion: once the acknowledgment has
// landed, the session record is destroyed and the ack record is left to
// age out so the sender can still query it.
func (e *Engine) finishDone(ctx context.Context, sessKey, inviteCode, passwordHash string) (NextResult, error) {
	ackKey := keyspace.AckKey(inviteCode, passwordHash)
	rec, err := e.kv.Get(ctx, ackKey)
	if err != nil {
		return NextResult{}, err
	}
	if storage.Alive(rec, e.now()) {
		if _, err := e.kv.Delete(ctx, sessKey); err != nil {
			e.log.Warn("failed to destroy acknowledged session", logger.Error(err))
		}
	}
	return NextResult{Status: StatusDone}, nil
}

func (e *Engine) newSession(now time.Time, totalChunks int) *Session {
	return &Session{
		TotalChunks: totalChunks,
		Chunks:      make(map[int]string),
		Delivered:   []int{},
		CreatedAt:   now,
		Version:     0,
	}
}

func (e *Engine) createPlaceholder(ctx context.Context, key string, now time.Time) error {
	sess := &Session{
		TotalChunks:      0,
		WaitingForSender: true,
		Chunks:           make(map[int]string),
		Delivered:        []int{},
		CreatedAt:        now,
		LastTouched:      now,
		ExpiresAt:        now.Add(SessionTTL(0)),
		Version:          1,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return e.kv.PutIfVersion(ctx, key, raw, 0, sess.ExpiresAt)
}

// loadAlive reads and decodes the session, treating expired records as
// absent and best-effort-deleting them.
func (e *Engine) loadAlive(ctx context.Context, key string) (*Session, error) {
	rec, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !storage.Alive(rec, e.now()) {
		metrics.ExpiredOnRead.Inc()
		if _, err := e.kv.Delete(ctx, key); err != nil {
			e.log.Warn("failed to delete stale session", logger.Error(err))
		}
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Chunks == nil {
		sess.Chunks = make(map[int]string)
	}
	return &sess, nil
}

func (e *Engine) put(ctx context.Context, key string, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := e.kv.Put(ctx, key, raw, sess.ExpiresAt); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// verifyPush re-reads the session and checks that our chunk survived and
// no older state overwrote us.
func (e *Engine) verifyPush(ctx context.Context, key string, chunkIndex int, data string, version int64) (bool, error) {
	rec, err := e.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	var sess Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return false, fmt.Errorf("decode session: %w", err)
	}
	return sess.Chunks[chunkIndex] == data && sess.Version >= version, nil
}

// verifyDelivery re-reads the session and checks that the delivery of
// chunkIndex survived.
func (e *Engine) verifyDelivery(ctx context.Context, key string, chunkIndex int, version int64) (bool, error) {
	rec, err := e.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	var sess Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return false, fmt.Errorf("decode session: %w", err)
	}
	if _, pending := sess.Chunks[chunkIndex]; pending {
		return false, nil
	}
	return deliveredContains(sess.Delivered, chunkIndex) && sess.Version >= version, nil
}

// backoff sleeps for an exponentially growing, jittered delay.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	d := e.cfg.BackoffBase << (attempt - 1)
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	// ±20% jitter keeps racing pushers from re-colliding in lockstep.
	jitter := time.Duration(rand.Int63n(int64(d)*2/5 + 1))
	d = d - d/5 + jitter

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func deliveredContains(delivered []int, idx int) bool {
	for _, d := range delivered {
		if d == idx {
			return true
		}
	}
	return false
}
