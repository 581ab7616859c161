package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	AlgEd25519 = "ed25519"
	// payloadVersion prefixes the signed bytes so the format can evolve
	payloadVersion = "policygate-ledger-export/v1"
)

// ErrBadSignature means the export or its envelope was altered
var ErrBadSignature = errors.New("signature does not match export")

// Envelope is the detached signature written next to an export
type Envelope struct {
	Alg       string    `json:"alg"`
	SHA256    string    `json:"sha256"`
	Entries   int       `json:"entries"`
	HeadHash  string    `json:"head_hash,omitempty"`
	SignedAt  time.Time `json:"signed_at"`
	Signature string    `json:"signature"`
}

func (e *Envelope) payload() []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%d\n%s\n%s",
		payloadVersion, e.SHA256, e.Entries, e.HeadHash, e.SignedAt.UTC().Format(time.RFC3339Nano)))
}

// SignExport signs the export bytes together with the entry count and the
// hash of the last exported entry
func SignExport(data []byte, entries int, headHash string, key ed25519.PrivateKey, now time.Time) ([]byte, error) {
	sum := sha256.Sum256(data)
	env := &Envelope{
		Alg:      AlgEd25519,
		SHA256:   hex.EncodeToString(sum[:]),
		Entries:  entries,
		HeadHash: headHash,
		SignedAt: now.UTC(),
	}
	env.Signature = hex.EncodeToString(ed25519.Sign(key, env.payload()))
	return json.MarshalIndent(env, "", "  ")
}

// VerifyExport checks data against a detached envelope
func VerifyExport(data, envelope []byte, key ed25519.PublicKey) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	if env.Alg != AlgEd25519 {
		return nil, fmt.Errorf("unsupported signature algorithm %q", env.Alg)
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(key, env.payload(), sig) {
		return nil, ErrBadSignature
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != env.SHA256 {
		return nil, fmt.Errorf("%w: content digest differs", ErrBadSignature)
	}
	return &env, nil
}
