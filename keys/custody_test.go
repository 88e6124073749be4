package keys

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("0123456789abcdef-master"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	kp := testKeyPair(t)

	sealed, err := s.Seal("signer-a", kp.PrivateKeyPEM)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatal("sealed output not recognised")
	}
	if bytes.Contains(sealed, []byte("BEGIN PRIVATE KEY")) {
		t.Fatal("sealed output contains the plain key")
	}

	pt, err := s.Unseal("signer-a", sealed)
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if !bytes.Equal(pt, kp.PrivateKeyPEM) {
		t.Error("round trip changed the key")
	}

	if _, err := s.Unseal("signer-b", sealed); !errors.Is(err, ErrUnsealFailed) {
		t.Errorf("wrong signer id should fail, got %v", err)
	}

	plain, err := s.Unseal("signer-a", kp.PrivateKeyPEM)
	if err != nil || !bytes.Equal(plain, kp.PrivateKeyPEM) {
		t.Errorf("unsealed input should pass through, err=%v", err)
	}

	if _, err := LoadPrivateKeyFromPemDerData(sealed); !errors.Is(err, ErrKeySealed) {
		t.Errorf("loading a sealed key should report ErrKeySealed, got %v", err)
	}
}

func TestNewSealer_ShortSecret(t *testing.T) {
	if _, err := NewSealer([]byte("short")); !errors.Is(err, ErrSecretTooShort) {
		t.Errorf("Expected ErrSecretTooShort, got %v", err)
	}
}

func TestAuthority_WithSealer(t *testing.T) {
	sealer, err := NewSealer([]byte("another-secret-of-enough-length"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	store := newMapStore()
	a := NewAuthority(store, WithSealer(sealer))
	ctx := context.Background()

	creds, err := a.GetOrIssueCredentials(ctx, "sealed", Subject{})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	if IsSealed(creds.KeyPair.PrivateKeyPEM) {
		t.Error("caller should receive an unsealed key")
	}
	if !IsSealed(store.data["sealed"].KeyPair.PrivateKeyPEM) {
		t.Error("store should hold a sealed key")
	}

	again, err := a.GetOrIssueCredentials(ctx, "sealed", Subject{})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	if again.Certificate.Fingerprint() != creds.Certificate.Fingerprint() {
		t.Error("sealed credentials were not reused")
	}
}
