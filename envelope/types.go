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

package envelope

import (
	"errors"
	"time"
)

// SessionTTL bounds how long a handshake session lives.
const SessionTTL = 180 * time.Second

// Envelope size limits (raw bytes after base64 decoding).
const (
	NonceBytes   = 12
	MinCipherLen = 16
	MaxCipherLen = 64 * 1024
)

var (
	// ErrPinNotFound reports an absent (or already consumed) PIN.
	ErrPinNotFound = errors.New("envelope: pin not found")

	// ErrPinExpired reports a consumed PIN whose session is gone or stale.
	ErrPinExpired = errors.New("envelope: pin expired")

	// ErrSessionNotFound reports an unknown session id.
	ErrSessionNotFound = errors.New("envelope: session not found")

	// ErrSessionExpired reports a session past its TTL.
	ErrSessionExpired = errors.New("envelope: session expired")

	// ErrInvalidEnvelope reports a malformed envelope.
	ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

	// ErrOfferAlreadySet reports a second offer post.
	ErrOfferAlreadySet = errors.New("envelope: offer already set")

	// ErrOfferNotSet reports a missing offer.
	ErrOfferNotSet = errors.New("envelope: offer not set")

	// ErrAnswerAlreadySet reports a second answer post.
	ErrAnswerAlreadySet = errors.New("envelope: answer already set")

	// ErrAnswerNotSet reports a missing answer.
	ErrAnswerNotSet = errors.New("envelope: answer not set")

	// ErrPINSpaceExhausted reports a failed unique-PIN sampling run.
	ErrPINSpaceExhausted = errors.New("envelope: could not mint a unique pin")
)

// Envelope is the versioned wrapper around a ciphertext blob. The server
// validates shape only; the content stays opaque.
type Envelope struct {
	V         int    `json:"v"`
	SessionID string `json:"sessionId"`
	NonceB64  string `json:"nonceB64"`
	CtB64     string `json:"ctB64"`
}

// Session is the stored handshake session.
type Session struct {
	SessionID       string    `json:"sessionId"`
	PIN             string    `json:"pin"`
	SaltB64         string    `json:"saltB64"`
	Offer           *Envelope `json:"offerEnvelope,omitempty"`
	Answer          *Envelope `json:"answerEnvelope,omitempty"`
	AnswerDelivered bool      `json:"answerDelivered"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// PinIndex maps a PIN to its session until consumed.
type PinIndex struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CreateResult is returned to the side minting a session.
type CreateResult struct {
	SessionID string    `json:"sessionId"`
	PIN       string    `json:"pin"`
	SaltB64   string    `json:"saltB64"`
	TTLSec    int       `json:"ttlSec"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ResolveResult is returned to the side redeeming a PIN.
type ResolveResult struct {
	SessionID string `json:"sessionId"`
	SaltB64   string `json:"saltB64"`
	TTLSec    int    `json:"ttlSec"`
}
