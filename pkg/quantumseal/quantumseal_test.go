package quantumseal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenProvisionsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	v1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if !v1.Provisioned() {
		t.Fatalf("expected first open to provision a key")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected key persisted at %s: %v", path, err)
	}

	v2, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if v2.Provisioned() {
		t.Fatalf("expected second open to load, not provision")
	}
	if !bytes.Equal(v1.PublicKey(), v2.PublicKey()) {
		t.Fatalf("expected the same master key across opens")
	}
}

func TestSignVerify(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	digest := DigestDocument([]byte("receipt bytes"))
	sig := v.Sign(digest)
	if len(sig) == 0 {
		t.Fatalf("expected a signature")
	}
	if !Verify(v.PublicKey(), digest, sig) {
		t.Fatalf("signature did not verify")
	}
	if Verify(v.PublicKey(), DigestDocument([]byte("tampered")), sig) {
		t.Fatalf("signature verified against a different digest")
	}
}

func TestOpenRejectsCorruptKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected corrupt key to be rejected")
	}
}

func TestDigestDocument(t *testing.T) {
	a := DigestDocument([]byte("doc"))
	b := DigestDocument([]byte("doc"))
	if len(a) != 64 {
		t.Fatalf("expected a 512-bit digest, got %d bytes", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected deterministic digest")
	}
}
