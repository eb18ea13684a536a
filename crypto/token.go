package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const sessionTokenBytes = 16

// NewSessionToken returns a random hex secret scoping message signatures to
// one connection's lifetime. It is independent of the identity key pair, so
// a leaked token cannot decrypt traffic and a leaked identity key cannot
// forge signed messages.
func NewSessionToken() (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// SignPayload returns the hex HMAC-SHA256 of payload keyed by the session
// token.
func SignPayload(payload []byte, sessionToken string) string {
	mac := hmac.New(sha256.New, []byte(sessionToken))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload checks a hex HMAC signature in constant time.
func VerifyPayload(payload []byte, signature, sessionToken string) bool {
	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(sessionToken))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), received)
}
