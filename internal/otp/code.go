package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// CodeLength is the number of digits in a generated code.
	CodeLength = 6

	// CodeTTL is how long a code stays verifiable after issuance.
	CodeTTL = 10 * time.Minute

	// MaxAttempts is the number of wrong submissions allowed before a code
	// is locked out.
	MaxAttempts = 5

	// RequestCooldown is the minimum gap between two issuance requests for
	// the same account.
	RequestCooldown = 60 * time.Second

	// MaxCodesPerHour caps issuance per account over a trailing hour.
	MaxCodesPerHour = 5

	codeSpace = 1000000 // 10^CodeLength
)

// GenerateCode returns a 6-digit numeric code drawn uniformly from the
// [0, 10^6) space using crypto/rand. Randomness source failure is the only
// error and callers should treat it as fatal.
func GenerateCode() (string, error) {
	// Rejection sampling over 32-bit reads keeps the distribution uniform;
	// a bare modulo would bias the low codes.
	max := uint32((1 << 32) / codeSpace * codeSpace)
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		if n < max {
			return fmt.Sprintf("%06d", n%codeSpace), nil
		}
	}
}

// Hasher computes and checks the at-rest digest of a code. The digest is
// salted with a server secret and scoped to the email so identical codes for
// different accounts never collide at rest. The code space is tiny, so the
// digest is not the defense; expiry, attempt caps, and rate limiting are.
type Hasher struct {
	salt string
}

// NewHasher creates a Hasher with the given server salt.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// Hash returns the hex digest stored for a code.
func (h *Hasher) Hash(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code + ":" + h.salt))
	return hex.EncodeToString(sum[:])
}

// Verify compares a submitted code against a stored digest in constant time.
func (h *Hasher) Verify(email, code, digest string) bool {
	computed := h.Hash(email, code)
	if len(computed) != len(digest) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
