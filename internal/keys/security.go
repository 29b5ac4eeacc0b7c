package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// apiKeyEntropyBytes is the raw entropy of a generated client key.
const apiKeyEntropyBytes = 32

// GenerateAPIKey returns a new URL-safe client key secret.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Fingerprint returns the canonical SHA-256 hex fingerprint of a secret.
// This is the only representation ever persisted or logged.
func Fingerprint(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
