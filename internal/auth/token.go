package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// NewOpaqueToken returns a random URL-safe token and its storage hash.
func NewOpaqueToken() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenMatches compares raw against a stored hash in constant time.
func TokenMatches(raw, storedHash string) bool {
	if raw == "" || storedHash == "" {
		return false
	}
	got := HashToken(raw)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}
