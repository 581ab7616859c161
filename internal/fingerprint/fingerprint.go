// Package fingerprint derives stable identifiers and content hashes.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/policygate/policygate/internal/models"
)

// ViolationID is stable across rescans of identical state. The id only
// depends on where the violation is and which rule fired, never on the
// message text or timestamps.
func ViolationID(source models.Source, ruleID string, ref models.ResourceRef) string {
	sum := sha256.Sum256([]byte(string(source) + "\x00" + ruleID + "\x00" + ref.Path()))
	return "v-" + hex.EncodeToString(sum[:12])
}

// HashJSON returns "sha256:<hex>" over the canonical JSON form of v
func HashJSON(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Canonicalize renders v as compact JSON with object keys sorted at every
// depth. v is decoded into generic values first so struct tags apply and
// encoding/json's map key ordering does the sorting; numbers pass through
// untouched.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
