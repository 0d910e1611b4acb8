// Package cryptosvc implements the Crypto Service: an Ed25519 signing
// keypair generated once on first boot and reused for the lifetime of the
// data directory, adapted from the teacher's key-bootstrap-on-first-run
// shape in its certificate authority.
package cryptosvc

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const keyFileName = "signing.key"

// Service holds the daemon's signing keypair.
type Service struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Bootstrap loads the signing key from dataDir, generating and persisting
// one on first boot. The key file is written with 0600 permissions and
// never rotated automatically.
func Bootstrap(dataDir string) (*Service, error) {
	path := filepath.Join(dataDir, keyFileName)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signing key file %s has unexpected size %d", path, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		return &Service{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil

	case os.IsNotExist(err):
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate signing key: %w", genErr)
		}
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := os.WriteFile(path, priv, 0600); err != nil {
			return nil, fmt.Errorf("persist signing key: %w", err)
		}
		return &Service{priv: priv, pub: pub}, nil

	default:
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
}

// Sign returns an Ed25519 signature over data along with the hex-encoded
// public key that verifies it.
func (s *Service) Sign(data []byte) (signature []byte, pubKeyHex string) {
	return ed25519.Sign(s.priv, data), hex.EncodeToString(s.pub)
}

// PublicKeyHex returns the service's public key, hex-encoded.
func (s *Service) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Verify checks signature over data against pubKeyHex.
func Verify(data, signature []byte, pubKeyHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("decode pubkey: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("pubkey has unexpected size %d", len(pubBytes))
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), data, signature), nil
}
