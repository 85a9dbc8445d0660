package envelope

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/keyspace"
	"github.com/ephemera-project/ephemera/pkg/storage"
)

// pinAttempts bounds the rejection sampling against occupied PINs.
const pinAttempts = 10

// Engine manages handshake sessions: one offer, one answer, a one-shot
// PIN lookup, and a one-shot answer delivery.
type Engine struct {
	kv  storage.KV
	log logger.Logger

	now func() time.Time
}

// NewEngine creates a new envelope session engine.
func NewEngine(kv storage.KV, log logger.Logger) *Engine {
	return &Engine{kv: kv, log: log, now: time.Now}
}

// Create mints a session id, a unique PIN, and the client key-derivation
// salt, and stores both the session and the PIN index.
func (e *Engine) Create(ctx context.Context) (*CreateResult, error) {
	now := e.now()
	sessionID := uuid.NewString()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		metrics.EnvelopeSessionsCreated.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	sess := &Session{
		SessionID: sessionID,
		SaltB64:   base64.StdEncoding.EncodeToString(salt),
		CreatedAt: now,
		ExpiresAt: now.Add(SessionTTL),
	}

	pin, err := e.claimPIN(ctx, sessionID, sess.ExpiresAt)
	if err != nil {
		metrics.EnvelopeSessionsCreated.WithLabelValues("failure").Inc()
		return nil, err
	}
	sess.PIN = pin

	if err := e.put(ctx, sess); err != nil {
		metrics.EnvelopeSessionsCreated.WithLabelValues("failure").Inc()
		return nil, err
	}

	metrics.EnvelopeSessionsCreated.WithLabelValues("success").Inc()
	return &CreateResult{
		SessionID: sessionID,
		PIN:       pin,
		SaltB64:   sess.SaltB64,
		TTLSec:    int(SessionTTL / time.Second),
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// ResolvePIN redeems a PIN for its session id. The index entry is consumed:
// across any number of concurrent resolvers, at most one succeeds.
func (e *Engine) ResolvePIN(ctx context.Context, pin string) (*ResolveResult, error) {
	if !ValidPIN(pin) {
		metrics.PinResolves.WithLabelValues("not_found").Inc()
		return nil, ErrPinNotFound
	}

	now := e.now()
	pinKey := keyspace.PINKey(pin)

	rec, err := e.kv.Get(ctx, pinKey)
	if err != nil {
		return nil, err
	}
	if !storage.Alive(rec, now) {
		if rec != nil {
			_, _ = e.kv.Delete(ctx, pinKey)
		}
		metrics.PinResolves.WithLabelValues("not_found").Inc()
		return nil, ErrPinNotFound
	}

	var idx PinIndex
	if err := json.Unmarshal(rec.Value, &idx); err != nil {
		return nil, fmt.Errorf("decode pin index: %w", err)
	}

	// Consume the index. Losing the delete means another resolver (or a
	// failed backend) got there first; the PIN stays unresolved for us.
	deleted, err := e.kv.Delete(ctx, pinKey)
	if err != nil || !deleted {
		metrics.PinResolves.WithLabelValues("not_found").Inc()
		return nil, ErrPinNotFound
	}

	sess, _, err := e.load(ctx, idx.SessionID)
	if err != nil {
		metrics.PinResolves.WithLabelValues("expired").Inc()
		return nil, ErrPinExpired
	}

	metrics.PinResolves.WithLabelValues("resolved").Inc()
	return &ResolveResult{
		SessionID: sess.SessionID,
		SaltB64:   sess.SaltB64,
		TTLSec:    remainingSec(sess.ExpiresAt, now),
	}, nil
}

// SetOffer stores the initiator's envelope. At most one offer per session.
func (e *Engine) SetOffer(ctx context.Context, sessionID string, env *Envelope) error {
	if err := env.Validate(sessionID); err != nil {
		return err
	}

	sess, version, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Offer != nil {
		return ErrOfferAlreadySet
	}

	sess.Offer = env
	if err := e.putIfVersion(ctx, sess, version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// Someone else landed first; report against fresh state.
			if cur, _, lerr := e.load(ctx, sessionID); lerr == nil && cur.Offer != nil {
				return ErrOfferAlreadySet
			}
			return ErrSessionExpired
		}
		return err
	}
	metrics.EnvelopesStored.WithLabelValues("offer").Inc()
	return nil
}

// SetAnswer stores the responder's envelope. Requires a prior offer; at
// most one answer per session.
func (e *Engine) SetAnswer(ctx context.Context, sessionID string, env *Envelope) error {
	if err := env.Validate(sessionID); err != nil {
		return err
	}

	sess, version, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Offer == nil {
		return ErrOfferNotSet
	}
	if sess.Answer != nil {
		return ErrAnswerAlreadySet
	}

	sess.Answer = env
	if err := e.putIfVersion(ctx, sess, version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			if cur, _, lerr := e.load(ctx, sessionID); lerr == nil && cur.Answer != nil {
				return ErrAnswerAlreadySet
			}
			return ErrSessionExpired
		}
		return err
	}
	metrics.EnvelopesStored.WithLabelValues("answer").Inc()
	return nil
}

// GetOffer returns the stored offer envelope.
func (e *Engine) GetOffer(ctx context.Context, sessionID string) (*Envelope, error) {
	sess, _, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Offer == nil {
		return nil, ErrOfferNotSet
	}
	return sess.Offer, nil
}

// GetAnswer returns the stored answer envelope exactly once. The first
// successful read force-expires the session; concurrent readers race on a
// versioned write and the losers observe the expired session.
func (e *Engine) GetAnswer(ctx context.Context, sessionID string) (*Envelope, error) {
	sess, version, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Answer == nil {
		return nil, ErrAnswerNotSet
	}
	if sess.AnswerDelivered {
		return nil, ErrSessionExpired
	}

	answer := sess.Answer
	sess.AnswerDelivered = true
	sess.ExpiresAt = e.now().Add(-time.Second)

	if err := e.putIfVersion(ctx, sess, version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	metrics.AnswersDelivered.Inc()
	return answer, nil
}

// Delete tears the session and its PIN index down. Idempotent.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	key := keyspace.EnvelopeKey(sessionID)

	// Read raw (even expired) to find the PIN index to clean up.
	rec, err := e.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec != nil {
		var sess Session
		if err := json.Unmarshal(rec.Value, &sess); err == nil && sess.PIN != "" {
			_, _ = e.kv.Delete(ctx, keyspace.PINKey(sess.PIN))
		}
	}
	_, err = e.kv.Delete(ctx, key)
	return err
}

// claimPIN rejection-samples 6-digit PINs until one is free.
func (e *Engine) claimPIN(ctx context.Context, sessionID string, expiresAt time.Time) (string, error) {
	for i := 0; i < pinAttempts; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		pin := fmt.Sprintf("%06d", n.Int64())
		pinKey := keyspace.PINKey(pin)

		idx := PinIndex{SessionID: sessionID, ExpiresAt: expiresAt}
		raw, err := json.Marshal(idx)
		if err != nil {
			return "", err
		}

		rec, err := e.kv.Get(ctx, pinKey)
		if err != nil {
			return "", err
		}
		var expected int64
		switch {
		case rec == nil:
			expected = 0
		case !storage.Alive(rec, e.now()):
			// Reclaim a dead entry in place.
			expected = rec.Version
		default:
			continue // occupied, sample again
		}

		err = e.kv.PutIfVersion(ctx, pinKey, raw, expected, expiresAt)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return pin, nil
	}
	return "", ErrPINSpaceExhausted
}

// load reads and decodes a session, distinguishing absent from expired.
// Expired sessions are best-effort-destroyed.
func (e *Engine) load(ctx context.Context, sessionID string) (*Session, int64, error) {
	rec, err := e.kv.Get(ctx, keyspace.EnvelopeKey(sessionID))
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, ErrSessionNotFound
	}
	if !storage.Alive(rec, e.now()) {
		metrics.ExpiredOnRead.Inc()
		if _, err := e.kv.Delete(ctx, keyspace.EnvelopeKey(sessionID)); err != nil {
			e.log.Warn("failed to delete stale envelope session", logger.Error(err))
		}
		return nil, 0, ErrSessionExpired
	}

	var sess Session
	if err := json.Unmarshal(rec.Value, &sess); err != nil {
		return nil, 0, fmt.Errorf("decode envelope session: %w", err)
	}
	return &sess, rec.Version, nil
}

func (e *Engine) put(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal envelope session: %w", err)
	}
	return e.kv.Put(ctx, keyspace.EnvelopeKey(sess.SessionID), raw, sess.ExpiresAt)
}

func (e *Engine) putIfVersion(ctx context.Context, sess *Session, version int64) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal envelope session: %w", err)
	}
	return e.kv.PutIfVersion(ctx, keyspace.EnvelopeKey(sess.SessionID), raw, version, sess.ExpiresAt)
}

func remainingSec(expiresAt, now time.Time) int {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
