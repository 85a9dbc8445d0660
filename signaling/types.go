package signaling

import (
	"encoding/json"
	"errors"
	"time"
)

// RegistrationTTL bounds peer registrations and queued signals.
const RegistrationTTL = 30 * time.Second

// MaxPeerIDLen bounds client-minted peer ids.
const MaxPeerIDLen = 128

var (
	// ErrInvalidInviteCode reports a malformed invite code.
	ErrInvalidInviteCode = errors.New("signaling: invalid invite code")

	// ErrInvalidPeerID reports a missing or oversized peer id.
	ErrInvalidPeerID = errors.New("signaling: invalid peer id")

	// ErrInviteCodeInUse reports a live registration by another peer.
	ErrInviteCodeInUse = errors.New("signaling: invite code in use")

	// ErrPeerNotFound reports an absent or stale registration.
	ErrPeerNotFound = errors.New("signaling: peer not found")

	// ErrInvalidSignalType reports a type outside the whitelist.
	ErrInvalidSignalType = errors.New("signaling: invalid signal type")

	// ErrMailboxBusy reports an exhausted append loop.
	ErrMailboxBusy = errors.New("signaling: mailbox busy")
)

// Signal types a mailbox accepts.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// ValidSignalType reports whether t is on the whitelist.
func ValidSignalType(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Registration maps an invite code to the peer that claimed it.
type Registration struct {
	PeerID    string    `json:"peerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Message is one queued signaling payload. The payload stays opaque.
type Message struct {
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Mailbox is the stored FIFO of messages for one peer.
type Mailbox struct {
	Messages []Message `json:"messages"`
}
