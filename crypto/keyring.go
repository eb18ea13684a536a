package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the Curve25519 key length used by the channel box.
const KeySize = 32

// Keyring holds the process-lifetime asymmetric key pair used for channel
// establishment. A fresh pair is generated at every launch: trust is
// per-session, there is no long-term PKI and keys are never written to disk.
type Keyring struct {
	publicKey  *[KeySize]byte
	privateKey *[KeySize]byte
}

// GenerateKeyring creates a new Curve25519 key pair.
func GenerateKeyring() (*Keyring, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	return &Keyring{
		publicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// PublicKeyBase64 returns the public key encoded for advertisement and the
// plaintext handshake frame. The private key never leaves the Keyring.
func (k *Keyring) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.publicKey[:])
}

// ParsePublicKey decodes a base64 public key received from a peer.
func ParsePublicKey(encoded string) (*[KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, errors.New("invalid public key length")
	}

	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
