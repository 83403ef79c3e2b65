// Package crypto wraps the primitives spec §3/§4 name for the core: CSPRNG,
// SHA-256, constant-time comparison, and the Ed25519<->X25519 conversion the
// node-key binding check depends on. Ephemeral/static X25519 handling for
// the Noise handshake itself lives in internal/noise, which drives
// github.com/flynn/noise directly; this package only has to produce and
// convert long-lived Ed25519 node keys. Adapted from the teacher's
// internal/crypto/crypto.go (same file name, same role: one small package
// other packages lean on for primitives) with the RSA-PSS/SHA3 suite
// dropped in favor of the suite SPEC_FULL.md's domain stack names.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// SHA256 returns the SHA-256 digest of msg.
func SHA256(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ConstantTimeEqual reports whether a and b are byte-for-byte equal without
// leaking timing information about where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateNodeKey creates a fresh Ed25519 node keypair.
func GenerateNodeKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs msg with an Ed25519 node private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 signature from a node public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// Ed25519PublicKeyToX25519 converts an Ed25519 public key to its Montgomery
// (X25519) form, via the standard birational map between the Edwards and
// Montgomery curve models. Used by the handshake orchestrator to check that
// an attestation's node_public_key matches the Noise static key actually
// used on the wire (spec §4.5, "Node-key binding").
func Ed25519PublicKeyToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: bad ed25519 public key size %d", len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid ed25519 point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// Ed25519PrivateKeyToX25519 derives the X25519 private scalar corresponding
// to an Ed25519 private key, via the same SHA-512-of-seed construction
// libsodium/Signal use for ed25519<->curve25519 key reuse. curve25519.X25519
// clamps the scalar per RFC 7748 internally, so no clamping is done here.
func Ed25519PrivateKeyToX25519(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("crypto: bad ed25519 private key size")
	}
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	scalar := make([]byte, curve25519.ScalarSize)
	copy(scalar, h[:curve25519.ScalarSize])
	return scalar, nil
}
