package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// XChaCha sizes, kept under the teacher's original names (internal/crypto/
// crypto.go defined XKeySize/XNonceSize for its XSeal/XOpen pair).
const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

// DeriveSealKey derives a 32-byte XChaCha20-Poly1305 key from a local master
// secret via HKDF-SHA256, labeled so unrelated callers (node-key sealing
// today; nothing else yet) can't cross-derive each other's keys. This is
// the one place the core uses HKDF directly — the Noise handshake computes
// its own HKDF-SHA256 internally inside github.com/flynn/noise.
func DeriveSealKey(masterSecret []byte, label string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("crypto: empty master secret")
	}
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(label))
	key := make([]byte, XKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// XSeal encrypts plaintext under key with a fresh random 24-byte nonce,
// returning the nonce and ciphertext separately so callers can lay them out
// on disk however they like. Adapted verbatim from the teacher's
// internal/crypto/crypto.go XSeal, whose XChaCha20-Poly1305 AEAD choice this
// keeps even though the teacher used it for record sealing and this module
// repurposes it for node-key-at-rest encryption.
func XSeal(key32, plaintext, aad []byte) (nonce24, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("crypto: bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ct, nil
}

// XOpen is the inverse of XSeal.
func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("crypto: bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("crypto: bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}
