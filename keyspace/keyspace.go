// Package keyspace maps logical identifiers to opaque storage keys.
// Keys are prefix-namespaced hashes so that knowing an invite code is not
// enough to enumerate the store.
package keyspace

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Storage key prefixes. Each logical namespace lives under its own prefix.
const (
	PrefixSession  = "sess"
	PrefixAck      = "ack"
	PrefixPIN      = "pin"
	PrefixPeer     = "peer"
	PrefixSignal   = "signal"
	PrefixEnvelope = "envelope-session"
	PrefixDevice   = "devices"
)

// Prefixes lists every namespace, for the sweeper.
func Prefixes() []string {
	return []string{
		PrefixSession, PrefixAck, PrefixPIN, PrefixPeer,
		PrefixSignal, PrefixEnvelope, PrefixDevice,
	}
}

// derive builds "prefix/<hash>" where the hash is the url-safe base64 of
// SHA-256 over prefix and parts joined with ":", truncated to 32 chars.
// The hash is enumeration-resistant, not a secret.
func derive(prefix string, parts ...string) string {
	h := sha256.Sum256([]byte(prefix + ":" + strings.Join(parts, ":")))
	enc := base64.RawURLEncoding.EncodeToString(h[:])
	return prefix + "/" + enc[:32]
}

// SessionKey is the storage key of a relay session.
func SessionKey(inviteCode, passwordHash string) string {
	return derive(PrefixSession, inviteCode, passwordHash)
}

// AckKey is the storage key of the acknowledgment record that outlives
// its relay session.
func AckKey(inviteCode, passwordHash string) string {
	return derive(PrefixAck, "ack", inviteCode, passwordHash)
}

// PINKey is the storage key of a PIN index entry.
func PINKey(pin string) string {
	return derive(PrefixPIN, "pin", pin)
}

// PeerKey is the storage key of a peer registration.
func PeerKey(inviteCode string) string {
	return derive(PrefixPeer, "peer", inviteCode)
}

// SignalKey is the storage key of a peer's signal mailbox.
func SignalKey(peerID string) string {
	return derive(PrefixSignal, "signal", peerID)
}

// EnvelopeKey is the storage key of an envelope session.
func EnvelopeKey(sessionID string) string {
	return derive(PrefixEnvelope, sessionID)
}

// DeviceKey is the storage key of an enterprise device record.
func DeviceKey(deviceID string) string {
	return derive(PrefixDevice, deviceID)
}
