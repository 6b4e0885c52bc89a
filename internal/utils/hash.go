package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the SHA-256 hex digest of a refresh token value.  Only
// the digest is persisted, so a leaked refresh_tokens table cannot be
// replayed against /auth/refresh-token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
