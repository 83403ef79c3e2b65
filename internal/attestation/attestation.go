// Package attestation implements NodeKeyAttestation v1 (spec §4.3): the
// wallet-signed document binding a principal to a node's long-lived Ed25519
// transport key. There is no teacher equivalent — munonun-Web4 binds
// identity a different way (a domain-prefixed SHA3 hash of the raw public
// key, no external signer) — so this package is grounded directly on the
// spec's own field list and verification rules, using internal/codec for
// the canonical encoding and internal/wallet for the secp256k1 signature.
package attestation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/crypto"
	"github.com/alexrudloff/snap2p/internal/protoerr"
	"github.com/alexrudloff/snap2p/internal/wallet"
)

// Domain is the fixed signing-domain separator every attestation carries.
const Domain = "snap2p-nodekey-attestation-v1"

// Version is the only attestation format this core understands.
const Version = 1

// skew is the clock-skew tolerance spec §4.3 allows on timestamp/expiry checks.
const skew = 5 * time.Minute

// Attestation is a parsed, not-yet-verified NodeKeyAttestation v1.
type Attestation struct {
	Version       uint32
	Principal     wallet.Principal
	NodePublicKey []byte
	Timestamp     int64
	ExpiresAt     int64
	Nonce         []byte
	Domain        string
	Signature     []byte
}

// Build constructs and signs a fresh attestation for nodePublicKey (the
// node's 32-byte Ed25519 transport public key), valid from now for
// validity.
func Build(w wallet.Wallet, nodePublicKey []byte, validity time.Duration, now time.Time) (*Attestation, error) {
	if len(nodePublicKey) != 32 {
		return nil, fmt.Errorf("attestation: node public key must be 32 bytes, got %d", len(nodePublicKey))
	}
	nonce, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	a := &Attestation{
		Version:       Version,
		Principal:     w.Principal(),
		NodePublicKey: nodePublicKey,
		Timestamp:     now.Unix(),
		ExpiresAt:     now.Add(validity).Unix(),
		Nonce:         nonce,
		Domain:        Domain,
	}
	signingBytes, err := a.signingBytes()
	if err != nil {
		return nil, err
	}
	sig, err := w.Sign(signingBytes)
	if err != nil {
		return nil, fmt.Errorf("attestation: sign: %w", err)
	}
	a.Signature = sig
	return a, nil
}

// signingBytes is the canonical payload the wallet signs: every field
// except sig, per spec §6's "Attestation canonical bytes" key list.
func (a *Attestation) signingBytes() ([]byte, error) {
	fields := map[string]any{
		"v":      int64(a.Version),
		"p":      string(a.Principal),
		"npk":    b64(a.NodePublicKey),
		"ts":     a.Timestamp,
		"exp":    a.ExpiresAt,
		"nonce":  b64(a.Nonce),
		"domain": a.Domain,
	}
	return codec.EncodeCanonical(fields)
}

// Serialize produces the on-wire form carried in AUTH.attestation: the
// signing fields plus sig.
func (a *Attestation) Serialize() ([]byte, error) {
	fields := map[string]any{
		"v":      int64(a.Version),
		"p":      string(a.Principal),
		"npk":    b64(a.NodePublicKey),
		"ts":     a.Timestamp,
		"exp":    a.ExpiresAt,
		"nonce":  b64(a.Nonce),
		"domain": a.Domain,
		"sig":    b64(a.Signature),
	}
	return codec.EncodeCanonical(fields)
}

// Deserialize parses a serialized attestation without verifying it.
func Deserialize(data []byte) (*Attestation, error) {
	fields, err := codec.DecodeCanonical(data)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.AttestationInvalid, "malformed attestation", err)
	}
	a := &Attestation{}
	if v, ok := getInt(fields, "v"); ok {
		a.Version = uint32(v)
	}
	if p, ok := fields["p"].(string); ok {
		a.Principal = wallet.Principal(p)
	}
	a.NodePublicKey, _ = getBytes(fields, "npk")
	a.Timestamp, _ = getInt(fields, "ts")
	a.ExpiresAt, _ = getInt(fields, "exp")
	a.Nonce, _ = getBytes(fields, "nonce")
	if d, ok := fields["domain"].(string); ok {
		a.Domain = d
	}
	a.Signature, _ = getBytes(fields, "sig")
	return a, nil
}

// VerifyStructural applies spec §4.3's structural checks, independent of
// any cryptographic signature verification.
func (a *Attestation) VerifyStructural(now time.Time) error {
	if a.Version != Version {
		return protoerr.New(protoerr.AttestationInvalid, "unsupported attestation version")
	}
	if a.Domain != Domain {
		return protoerr.New(protoerr.AttestationInvalid, "domain mismatch")
	}
	if len(a.Nonce) < 16 || len(a.Nonce) > 32 {
		return protoerr.New(protoerr.AttestationInvalid, "nonce length out of range")
	}
	if len(a.NodePublicKey) != 32 {
		return protoerr.New(protoerr.AttestationInvalid, "node_public_key must be 32 bytes")
	}
	if len(a.Signature) == 0 {
		return protoerr.New(protoerr.AttestationInvalid, "signature is empty")
	}
	nowSec := now.Unix()
	if a.Timestamp > nowSec+int64(skew.Seconds()) {
		return protoerr.New(protoerr.AttestationInvalid, "timestamp too far in the future")
	}
	if a.ExpiresAt <= nowSec-int64(skew.Seconds()) {
		return protoerr.New(protoerr.AttestationExpired, "attestation expired")
	}
	if a.ExpiresAt <= a.Timestamp {
		return protoerr.New(protoerr.AttestationInvalid, "expires_at must be after timestamp")
	}
	return nil
}

// VerifyCryptographic re-derives the signing bytes, recovers the secp256k1
// signer from the RSV signature, and checks the recovered principal
// matches the attestation's claimed principal.
func (a *Attestation) VerifyCryptographic() error {
	signingBytes, err := a.signingBytes()
	if err != nil {
		return protoerr.Wrap(protoerr.AttestationInvalid, "re-encoding signing bytes", err)
	}
	ok, err := wallet.Recover(a.Principal, signingBytes, a.Signature)
	if err != nil {
		return protoerr.Wrap(protoerr.AttestationInvalid, "signature recovery failed", err)
	}
	if !ok {
		return protoerr.New(protoerr.AttestationInvalid, "recovered signer does not match claimed principal")
	}
	return nil
}

// Verify runs both structural and cryptographic verification.
func (a *Attestation) Verify(now time.Time) error {
	if err := a.VerifyStructural(now); err != nil {
		return err
	}
	return a.VerifyCryptographic()
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func getBytes(fields map[string]any, key string) ([]byte, bool) {
	s, ok := fields[key].(string)
	if !ok {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

func getInt(fields map[string]any, key string) (int64, bool) {
	num, ok := fields[key].(json.Number)
	if !ok {
		return 0, false
	}
	n, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

// BindsNodeKey reports whether this attestation's node_public_key
// corresponds to the given Noise remote static key, per spec §4.5's
// node-key binding check (Ed25519 -> X25519, constant-time compare).
func (a *Attestation) BindsNodeKey(noiseRemoteStatic []byte) (bool, error) {
	x25519Pub, err := crypto.Ed25519PublicKeyToX25519(a.NodePublicKey)
	if err != nil {
		return false, protoerr.Wrap(protoerr.AttestationInvalid, "converting node_public_key to x25519", err)
	}
	return crypto.ConstantTimeEqual(x25519Pub, noiseRemoteStatic), nil
}
