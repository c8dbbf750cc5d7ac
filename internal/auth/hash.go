package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// CredentialPrefix marks secrets issued by this gateway.
const CredentialPrefix = "dek_"

// HashCredential returns the hex SHA-256 digest of the whole secret. The
// digest is deterministic so stored credentials can be looked up by it.
func HashCredential(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashesEqual compares two hex digests in constant time.
func HashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateCredential returns a new random secret and its digest.
func GenerateCredential() (secret, hash string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	secret = CredentialPrefix + hex.EncodeToString(bytes)
	return secret, HashCredential(secret), nil
}
