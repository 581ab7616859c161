// Package crypto signs ledger exports with ed25519 so an exported audit
// trail can be checked away from the engine that produced it.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	privateKeyType = "ED25519 PRIVATE KEY"
	publicKeyType  = "ED25519 PUBLIC KEY"
)

// GenerateKeys writes a new PEM key pair. The private key is 0600 and an
// existing file is never overwritten.
func GenerateKeys(privateKeyPath, publicKeyPath string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	if err := writePEM(privateKeyPath, privateKeyType, priv, 0o600); err != nil {
		return err
	}
	return writePEM(publicKeyPath, publicKeyType, pub, 0o644)
}

func writePEM(path, typ string, key []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: key}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func readPEM(path, typ string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	if block.Type != typ {
		return nil, fmt.Errorf("%s: expected %s, got %s", path, typ, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("%s: invalid key size %d", path, len(block.Bytes))
	}
	return block.Bytes, nil
}

func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	b, err := readPEM(path, privateKeyType, ed25519.PrivateKeySize)
	return ed25519.PrivateKey(b), err
}

func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := readPEM(path, publicKeyType, ed25519.PublicKeySize)
	return ed25519.PublicKey(b), err
}
