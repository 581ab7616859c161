package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func keyPair(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	priv, pub := filepath.Join(dir, "ledger.key"), filepath.Join(dir, "ledger.pub")
	if err := GenerateKeys(priv, pub); err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	return priv, pub
}

func TestGenerateKeys(t *testing.T) {
	priv, pub := keyPair(t)

	info, err := os.Stat(priv)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}
	if err := GenerateKeys(priv, pub); err == nil {
		t.Error("GenerateKeys overwrote an existing key")
	}
	if _, err := LoadPrivateKey(pub); err == nil {
		t.Error("public key loaded as private")
	}
	if _, err := LoadPublicKey(pub); err != nil {
		t.Errorf("LoadPublicKey: %v", err)
	}
}

func TestSignAndVerifyExport(t *testing.T) {
	privPath, pubPath := keyPair(t)
	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte(`{"seq":1,"kind":"decision"}` + "\n" + `{"seq":2,"kind":"proposal.transition"}` + "\n")
	sig, err := SignExport(data, 2, "abc123", priv, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("SignExport: %v", err)
	}

	env, err := VerifyExport(data, sig, pub)
	if err != nil {
		t.Fatalf("VerifyExport: %v", err)
	}
	if env.Entries != 2 || env.HeadHash != "abc123" {
		t.Errorf("envelope = %+v", env)
	}

	tests := []struct {
		name string
		data []byte
		sig  []byte
	}{
		{"edited export", append([]byte{}, strings.Replace(string(data), "decision", "DECISION", 1)...), sig},
		{"edited count", data, []byte(strings.Replace(string(sig), `"entries": 2`, `"entries": 1`, 1))},
		{"edited head", data, []byte(strings.Replace(string(sig), "abc123", "abc124", 1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyExport(tt.data, tt.sig, pub); !errors.Is(err, ErrBadSignature) {
				t.Errorf("VerifyExport = %v, want ErrBadSignature", err)
			}
		})
	}

	_, otherPub := keyPair(t)
	other, _ := LoadPublicKey(otherPub)
	if _, err := VerifyExport(data, sig, other); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong key = %v, want ErrBadSignature", err)
	}
}
