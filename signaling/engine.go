package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/keyspace"
	"github.com/ephemera-project/ephemera/pkg/storage"
	"github.com/ephemera-project/ephemera/relay"
)

// appendAttempts bounds the mailbox append loop. Every conflict means a
// competing append landed, so the loop only runs long under heavy fan-in.
const appendAttempts = 25

// Engine implements on-the-fly peer discovery and per-peer signal
// mailboxes with an all-or-empty drain.
type Engine struct {
	kv  storage.KV
	log logger.Logger

	now func() time.Time
}

// NewEngine creates a new signaling engine.
func NewEngine(kv storage.KV, log logger.Logger) *Engine {
	return &Engine{kv: kv, log: log, now: time.Now}
}

// Register claims an invite code for a peer. First writer wins for the
// registration TTL; the holder may re-register to refresh.
func (e *Engine) Register(ctx context.Context, inviteCode, peerID string) error {
	if !relay.ValidInviteCode(inviteCode) {
		return ErrInvalidInviteCode
	}
	if peerID == "" || len(peerID) > MaxPeerIDLen {
		return ErrInvalidPeerID
	}

	now := e.now()
	key := keyspace.PeerKey(inviteCode)

	rec, err := e.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if storage.Alive(rec, now) {
		var reg Registration
		if err := json.Unmarshal(rec.Value, &reg); err != nil {
			return fmt.Errorf("decode registration: %w", err)
		}
		if reg.PeerID != peerID {
			metrics.PeersRegistered.WithLabelValues("in_use").Inc()
			return ErrInviteCodeInUse
		}
	}

	reg := Registration{PeerID: peerID, ExpiresAt: now.Add(RegistrationTTL)}
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := e.kv.Put(ctx, key, raw, reg.ExpiresAt); err != nil {
		return fmt.Errorf("store registration: %w", err)
	}
	metrics.PeersRegistered.WithLabelValues("registered").Inc()
	return nil
}

// Lookup resolves an invite code to its registered peer. The mapping is
// not consumed; it stays until TTL.
func (e *Engine) Lookup(ctx context.Context, inviteCode string) (string, error) {
	if !relay.ValidInviteCode(inviteCode) {
		return "", ErrInvalidInviteCode
	}

	now := e.now()
	key := keyspace.PeerKey(inviteCode)

	rec, err := e.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !storage.Alive(rec, now) {
		if rec != nil {
			metrics.ExpiredOnRead.Inc()
			_, _ = e.kv.Delete(ctx, key)
		}
		return "", ErrPeerNotFound
	}

	var reg Registration
	if err := json.Unmarshal(rec.Value, &reg); err != nil {
		return "", fmt.Errorf("decode registration: %w", err)
	}
	return reg.PeerID, nil
}

// Enqueue appends a signal to the addressee's mailbox. FIFO order is
// preserved by the versioned append loop.
func (e *Engine) Enqueue(ctx context.Context, from, to, signalType string, payload json.RawMessage) error {
	if !ValidSignalType(signalType) {
		return ErrInvalidSignalType
	}
	if from == "" || len(from) > MaxPeerIDLen || to == "" || len(to) > MaxPeerIDLen {
		return ErrInvalidPeerID
	}

	key := keyspace.SignalKey(to)

	for attempt := 0; attempt < appendAttempts; attempt++ {
		now := e.now()
		rec, err := e.kv.Get(ctx, key)
		if err != nil {
			return err
		}

		var box Mailbox
		var version int64
		if storage.Alive(rec, now) {
			if err := json.Unmarshal(rec.Value, &box); err != nil {
				return fmt.Errorf("decode mailbox: %w", err)
			}
			version = rec.Version
		} else if rec != nil {
			// Dead mailbox: overwrite it in place.
			version = rec.Version
		}

		box.Messages = append(box.Messages, Message{
			From:      from,
			Type:      signalType,
			Payload:   payload,
			Timestamp: now,
			ExpiresAt: now.Add(RegistrationTTL),
		})

		raw, err := json.Marshal(box)
		if err != nil {
			return err
		}

		err = e.kv.PutIfVersion(ctx, key, raw, version, now.Add(RegistrationTTL))
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store mailbox: %w", err)
		}
		metrics.SignalsQueued.WithLabelValues(signalType).Inc()
		return nil
	}
	return ErrMailboxBusy
}

// Drain empties the peer's mailbox and returns its messages in FIFO
// order, dropping expired entries. Concurrent drains race on the delete:
// the loser returns an empty list so no message is delivered twice.
func (e *Engine) Drain(ctx context.Context, peerID string) ([]Message, error) {
	if peerID == "" || len(peerID) > MaxPeerIDLen {
		return nil, ErrInvalidPeerID
	}

	now := e.now()
	key := keyspace.SignalKey(peerID)

	rec, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return []Message{}, nil
	}

	deleted, err := e.kv.Delete(ctx, key)
	if err != nil || !deleted {
		// Losing the delete means another poller took the batch (or the
		// backend failed); returning messages anyway would duplicate them.
		return []Message{}, nil
	}

	if !storage.Alive(rec, now) {
		return []Message{}, nil
	}

	var box Mailbox
	if err := json.Unmarshal(rec.Value, &box); err != nil {
		return nil, fmt.Errorf("decode mailbox: %w", err)
	}

	alive := make([]Message, 0, len(box.Messages))
	for _, msg := range box.Messages {
		if now.Before(msg.ExpiresAt) {
			alive = append(alive, msg)
		}
	}
	metrics.SignalsDelivered.Add(float64(len(alive)))
	return alive, nil
}
