package relay

import (
	"fmt"
	"regexp"
)

var (
	inviteCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

	// Password hashes arrive base64, base64url or hex encoded.
	passwordHashRe = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{16,256}$`)
)

// ValidInviteCode reports whether s is an 8-char alphanumeric invite code.
func ValidInviteCode(s string) bool {
	return inviteCodeRe.MatchString(s)
}

// ValidPasswordHash reports whether s looks like an encoded client hash.
func ValidPasswordHash(s string) bool {
	return passwordHashRe.MatchString(s)
}

func validateChannel(inviteCode, passwordHash string) error {
	if !ValidInviteCode(inviteCode) {
		return fmt.Errorf("%w: bad invite code", ErrInvalidChunk)
	}
	if !ValidPasswordHash(passwordHash) {
		return fmt.Errorf("%w: bad password hash", ErrInvalidChunk)
	}
	return nil
}

func validatePush(inviteCode, passwordHash string, chunkIndex, totalChunks int, data string) error {
	if err := validateChannel(inviteCode, passwordHash); err != nil {
		return err
	}
	if totalChunks < 1 || totalChunks > MaxTotalChunks {
		return fmt.Errorf("%w: totalChunks out of range", ErrInvalidChunk)
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return fmt.Errorf("%w: chunkIndex out of range", ErrInvalidChunk)
	}
	if len(data) == 0 || len(data) > MaxChunkBytes {
		return fmt.Errorf("%w: data size out of range", ErrInvalidChunk)
	}
	return nil
}
