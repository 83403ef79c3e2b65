package wallet

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"golang.org/x/crypto/ripemd160" //lint:ignore SA1019 ripemd160 is required for the c32check address format
)

// Principal is a node's externally verifiable identity, spec §4.3's
// "stacks:<ADDR>" format.
type Principal string

var principalPattern = regexp.MustCompile(`^stacks:S[A-Z0-9]{39,40}$`)

// Valid reports whether p is syntactically well-formed.
func (p Principal) Valid() bool {
	return principalPattern.MatchString(string(p))
}

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// version is a fixed single-sig mainnet version byte; the core only needs
// addresses to be stable and self-checksumming, not to match a specific
// Stacks network class.
const c32Version byte = 22

// PrincipalFromPublicKey derives a c32check-style principal from a
// compressed secp256k1 public key: hash160 the key, append a version byte
// and a double-SHA256 checksum, then base32-encode with the c32 alphabet.
// This mirrors the shape of Stacks addresses (ripemd160(sha256(pubkey)),
// checksum, custom base32) without claiming bit-for-bit compatibility with
// the production Stacks c32check algorithm — nothing in the pack implements
// it, so this is a from-scratch, spec-shape-conformant derivation.
func PrincipalFromPublicKey(pubKeyCompressed []byte) (Principal, error) {
	if len(pubKeyCompressed) != 33 {
		return "", fmt.Errorf("wallet: expected 33-byte compressed public key, got %d", len(pubKeyCompressed))
	}
	shaSum := sha256.Sum256(pubKeyCompressed)
	ripe := ripemd160.New()
	ripe.Write(shaSum[:])
	hash160 := ripe.Sum(nil)

	payload := make([]byte, 0, 1+len(hash160))
	payload = append(payload, c32Version)
	payload = append(payload, hash160...)

	check1 := sha256.Sum256(payload)
	check2 := sha256.Sum256(check1[:])
	full := append(payload, check2[:4]...)

	return Principal("stacks:S" + c32Encode(full)), nil
}

func c32Encode(data []byte) string {
	zeroCount := 0
	for _, b := range data {
		if b != 0 {
			break
		}
		zeroCount++
	}
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)
	var rev []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		rev = append(rev, c32Alphabet[mod.Int64()])
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return strings.Repeat(string(c32Alphabet[0]), zeroCount) + string(rev)
}
