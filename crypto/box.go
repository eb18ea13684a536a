package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const nonceSize = 24

// ErrDecrypt indicates malformed or tampered ciphertext.
var ErrDecrypt = errors.New("crypto: decryption failed")

// SharedBox is the per-connection encryption box derived from the local
// private key and the peer's public key. Both sides derive the same box.
type SharedBox struct {
	key [KeySize]byte
}

// SharedBox precomputes the shared box for a peer's public key.
func (k *Keyring) SharedBox(peerPublicKey *[KeySize]byte) *SharedBox {
	sb := &SharedBox{}
	box.Precompute(&sb.key, peerPublicKey, k.privateKey)
	return sb
}

// Encrypt seals plaintext with a random nonce. The nonce is prefixed to the
// returned ciphertext.
func (b *SharedBox) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return box.SealAfterPrecomputation(nonce[:], plaintext, &nonce, &b.key), nil
}

// Decrypt opens a nonce-prefixed ciphertext produced by Encrypt.
func (b *SharedBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) <= nonceSize {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
