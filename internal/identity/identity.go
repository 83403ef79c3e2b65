// Package identity owns the node's long-lived Ed25519 transport key: load
// it from disk on startup, generate and persist one on first run. Grounded
// on the teacher's internal/node/node.go NewNode — "load a keypair from the
// home directory, generate and save one if none exists" — but the key file
// itself is now sealed at rest with internal/crypto's XChaCha20-Poly1305
// helpers instead of the teacher's plaintext hex file, since a node key
// authenticates a Noise static key and is worth protecting on disk.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexrudloff/snap2p/internal/crypto"
)

const (
	masterSecretFile = "master.secret"
	nodeKeyFile      = "node.key"
	sealLabel        = "snap2p-nodekey-seal-v1"
	masterSecretSize = 32
)

// Identity is a node's Ed25519 transport keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// LoadOrGenerate loads a sealed node key from home, generating and sealing
// a fresh one on first run. home is created if missing.
func LoadOrGenerate(home string) (*Identity, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create home dir: %w", err)
	}
	master, err := loadOrCreateMasterSecret(home)
	if err != nil {
		return nil, err
	}
	sealKey, err := crypto.DeriveSealKey(master, sealLabel)
	if err != nil {
		return nil, err
	}

	keyPath := filepath.Join(home, nodeKeyFile)
	sealed, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		priv, err := unseal(sealKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("identity: unseal node key: %w", err)
		}
		pub := priv.Public().(ed25519.PublicKey)
		return &Identity{Public: pub, Private: priv}, nil
	case os.IsNotExist(err):
		pub, priv, err := crypto.GenerateNodeKey()
		if err != nil {
			return nil, fmt.Errorf("identity: generate node key: %w", err)
		}
		sealedBytes, err := seal(sealKey, priv)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, sealedBytes, 0o600); err != nil {
			return nil, fmt.Errorf("identity: persist node key: %w", err)
		}
		return &Identity{Public: pub, Private: priv}, nil
	default:
		return nil, fmt.Errorf("identity: read node key: %w", err)
	}
}

func loadOrCreateMasterSecret(home string) ([]byte, error) {
	path := filepath.Join(home, masterSecretFile)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(b) != masterSecretSize {
			return nil, fmt.Errorf("identity: master secret file has wrong length %d", len(b))
		}
		return b, nil
	case os.IsNotExist(err):
		secret, err := crypto.RandomBytes(masterSecretSize)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, secret, 0o600); err != nil {
			return nil, fmt.Errorf("identity: persist master secret: %w", err)
		}
		return secret, nil
	default:
		return nil, fmt.Errorf("identity: read master secret: %w", err)
	}
}

// seal lays the nonce and ciphertext out as hex(nonce) + ":" + hex(ciphertext)
// on a single line, mirroring the teacher's hex-encoded key file idiom.
func seal(sealKey []byte, priv ed25519.PrivateKey) ([]byte, error) {
	nonce, ct, err := crypto.XSeal(sealKey, priv, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: seal node key: %w", err)
	}
	line := hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ct)
	return []byte(line), nil
}

func unseal(sealKey []byte, data []byte) (ed25519.PrivateKey, error) {
	parts := splitOnce(string(data), ':')
	if len(parts) != 2 {
		return nil, fmt.Errorf("identity: malformed sealed key file")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	priv, err := crypto.XOpen(sealKey, nonce, ct, nil)
	if err != nil {
		return nil, err
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: unsealed key has wrong length %d", len(priv))
	}
	return ed25519.PrivateKey(priv), nil
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}
