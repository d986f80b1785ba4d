package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const (
	clientIDBytes     = 18
	clientSecretBytes = 32
	codeBytes         = 32
)

// RandomString returns a base64url-encoded random string.
func RandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns a hex-encoded SHA-256 hash.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func newClientID() (string, error) {
	id, err := RandomString(clientIDBytes)
	if err != nil {
		return "", err
	}
	return "client_" + id, nil
}

func newClientSecret() (string, error) {
	return RandomString(clientSecretBytes)
}

func newCode() (string, error) {
	return RandomString(codeBytes)
}
