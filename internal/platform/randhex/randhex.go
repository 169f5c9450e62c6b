package randhex

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New returns n random bytes hex-encoded (2n characters). Used for webhook
// signing secrets and other opaque tokens.
func New(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MustNew is New for call sites where entropy failure is unrecoverable anyway.
func MustNew(n int) string {
	s, err := New(n)
	if err != nil {
		panic(err)
	}
	return s
}
