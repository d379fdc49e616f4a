package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyringLoadSaved(t *testing.T) {
	dir := t.TempDir()
	ks := newTestKeyStore(t)

	if _, err := SaveKeyStore(dir, "agent-a", ks); err != nil {
		t.Fatal(err)
	}
	// Non-key files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	kr, err := LoadKeyring(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := kr.Agents(); len(got) != 1 || got[0] != "agent-a" {
		t.Fatalf("expected [agent-a], got %v", got)
	}

	loaded, ok := kr.For("agent-a")
	if !ok {
		t.Fatal("agent-a missing from keyring")
	}
	if !bytes.Equal(loaded.(*LocalKeyStore).PublicKey(), ks.PublicKey()) {
		t.Fatal("loaded key differs from saved key")
	}
}

func TestLoadKeyStoreRejectsBadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(make([]byte, 5))), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeyStore(path); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestValidatePublicKey(t *testing.T) {
	ks := newTestKeyStore(t)
	pub, err := ValidatePublicKey(ks.PublicKeyBase64())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub, ks.PublicKey()) {
		t.Fatal("decoded key mismatch")
	}

	if _, err := ValidatePublicKey("not base64!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := ValidatePublicKey(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Fatal("expected error for wrong length")
	}
}

func TestVerifySignature(t *testing.T) {
	ks := newTestKeyStore(t)
	data := SignaturePayload("abc", "nonce", 42)
	sig, _ := ks.Sign(data)
	sigB64 := base64.StdEncoding.EncodeToString(sig)

	if err := VerifySignature(ks.PublicKey(), data, sigB64); err != nil {
		t.Fatal(err)
	}
	if err := VerifySignature(ks.PublicKey(), []byte("other"), sigB64); err == nil {
		t.Fatal("expected failure on different data")
	}
	if ks.Verify(ed25519.PublicKey(make([]byte, 3)), sig, data) {
		t.Fatal("malformed key must not verify")
	}
}
