package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NewResetSecret generates a one-time password-reset secret (256-bit
// random, hex-encoded) together with the digest to store in its place.
// The plaintext goes to the user exactly once and is never persisted.
func NewResetSecret() (plaintext, digest string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating reset secret: %w", err)
	}
	plaintext = hex.EncodeToString(b)
	return plaintext, DigestResetSecret(plaintext), nil
}

// DigestResetSecret returns the hex SHA-256 digest of a reset secret.
// A fast hash is deliberate here: the secret is high-entropy and
// short-lived, so the slow password hash would add cost without security.
func DigestResetSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// MatchResetSecret reports whether the user-supplied secret hashes to
// the stored digest, comparing in constant time.
func MatchResetSecret(plaintext, digest string) bool {
	candidate := DigestResetSecret(plaintext)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(digest)) == 1
}
