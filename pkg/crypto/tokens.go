// Package crypto provides the primitives used by the authorization core:
// opaque token generation, SHA-256 fingerprints for storage keys,
// AES-256-CBC encryption keyed by lookup tokens, and PKCE verification.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TokenLength is the length in characters of generated opaque tokens
// (32 random bytes, lower-hex encoded).
const TokenLength = 64

// GenerateToken returns a new opaque token: 32 bytes from crypto/rand,
// lower-hex encoded. Tokens double as AES-256 keys for the records they
// unlock, so the full 256 bits of entropy matter.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Fingerprint returns the SHA-256 hex digest of the given value.
// It is used only to derive storage keys; the digest cannot be reversed
// to recover the token.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
