package envelope

import (
	"encoding/base64"
	"fmt"
	"regexp"
)

var pinRe = regexp.MustCompile(`^[0-9]{6}$`)

// ValidPIN reports whether s is a 6-digit PIN.
func ValidPIN(s string) bool {
	return pinRe.MatchString(s)
}

// Validate checks the envelope's shape against the session it targets.
func (env *Envelope) Validate(sessionID string) error {
	if env == nil {
		return fmt.Errorf("%w: missing envelope", ErrInvalidEnvelope)
	}
	if env.V != 1 {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidEnvelope, env.V)
	}
	if env.SessionID != sessionID {
		return fmt.Errorf("%w: sessionId does not match", ErrInvalidEnvelope)
	}

	nonce, err := base64.StdEncoding.Strict().DecodeString(env.NonceB64)
	if err != nil {
		return fmt.Errorf("%w: nonce is not base64", ErrInvalidEnvelope)
	}
	if len(nonce) != NonceBytes {
		return fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidEnvelope, NonceBytes)
	}

	ct, err := base64.StdEncoding.Strict().DecodeString(env.CtB64)
	if err != nil {
		return fmt.Errorf("%w: ciphertext is not base64", ErrInvalidEnvelope)
	}
	if len(ct) < MinCipherLen || len(ct) > MaxCipherLen {
		return fmt.Errorf("%w: ciphertext size out of range", ErrInvalidEnvelope)
	}
	return nil
}
