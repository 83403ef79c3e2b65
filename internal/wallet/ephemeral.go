package wallet

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Ephemeral is an in-memory reference Wallet: a fresh secp256k1 keypair
// generated at construction time, never persisted. SPEC_FULL.md's
// SUPPLEMENTED FEATURES names this as the one concrete Wallet
// implementation the repo ships (real deployments are expected to bring
// their own, e.g. backed by a hardware wallet or browser extension); it
// exists so the handshake and attestation code has something real to sign
// and verify against in tests and in cmd/snap2pd's demo mode.
type Ephemeral struct {
	priv      *secp256k1.PrivateKey
	principal Principal
}

// NewEphemeral generates a fresh secp256k1 keypair and derives its principal.
func NewEphemeral() (*Ephemeral, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	principal, err := PrincipalFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, principal: principal}, nil
}

func (e *Ephemeral) Principal() Principal { return e.principal }

// Sign returns a 65-byte compact recoverable signature (R || S || V) over
// SHA-256(msg).
func (e *Ephemeral) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	vrs := ecdsa.SignCompact(e.priv, digest[:], true)
	// decred lays the compact signature out as V || R || S; move the
	// recovery byte to the end.
	rsv := make([]byte, 0, 65)
	rsv = append(rsv, vrs[1:]...)
	rsv = append(rsv, vrs[0])
	return rsv, nil
}

// RecoverPrincipal recovers the signer's public key from a compact
// recoverable signature over SHA-256(msg) and derives its principal,
// mirroring the go-ethereum RecoverPubkey pattern referenced under
// _examples/other_examples/ but using decred's compact-signature recovery
// instead of go-ethereum's own secp256k1 cgo binding.
func RecoverPrincipal(msg, sig []byte) (Principal, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("wallet: expected 65-byte compact signature, got %d", len(sig))
	}
	digest := sha256.Sum256(msg)
	vrs := make([]byte, 0, 65)
	vrs = append(vrs, sig[64])
	vrs = append(vrs, sig[:64]...)
	pub, _, err := ecdsa.RecoverCompact(vrs, digest[:])
	if err != nil {
		return "", fmt.Errorf("wallet: recover signature: %w", err)
	}
	return PrincipalFromPublicKey(pub.SerializeCompressed())
}
