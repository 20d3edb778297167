package redlock

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const defaultTokenLength = 22

// generateToken returns a random URL-safe base64 string of exactly length
// characters. The token is the per-acquisition ownership credential stored
// under each locked key, so it must be unpredictable: entropy comes from
// the crypto RNG, never math/rand.
func generateToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("%w: token length must be positive, got %d", ErrInvalidParameter, length)
	}

	// base64 encodes 3 bytes into 4 characters; round up so the encoded
	// form is always at least length characters long.
	buf := make([]byte, (length*3+3)/4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("redlock: reading random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}
