// Package wallet defines the signing capability spec §4.3 calls "Wallet":
// something that can produce a stable principal address and sign arbitrary
// bytes under a secp256k1 key, for binding a node-key attestation to an
// externally verifiable identity. No pack repo signs with secp256k1
// directly; the RSV (recoverable-signature) shape is grounded on the
// go-ethereum-derived files under _examples/other_examples/
// (*-rlpx.go, secp256k1.RecoverPubkey), which is the standard way Go code
// recovers a public key from a compact signature instead of shipping the
// public key alongside it.
package wallet

// Wallet signs on behalf of a single secp256k1 identity.
type Wallet interface {
	// Principal returns this wallet's stable address.
	Principal() Principal

	// Sign produces a 65-byte compact recoverable signature (R || S || V)
	// over the SHA-256 digest of msg.
	Sign(msg []byte) ([]byte, error)
}

// Recover verifies that sig is a valid recoverable signature over msg's
// SHA-256 digest and that it recovers to principal's address. It is the
// inverse of Wallet.Sign, used by attestation verification to check a
// signature without needing the signer's own Wallet value.
func Recover(principal Principal, msg, sig []byte) (bool, error) {
	got, err := RecoverPrincipal(msg, sig)
	if err != nil {
		return false, err
	}
	return got == principal, nil
}
