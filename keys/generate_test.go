package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestGenerateKeyPair_WeakKey(t *testing.T) {
	for _, bits := range []int{512, 1024, 2047} {
		t.Run(fmt.Sprintf("%d bits", bits), func(t *testing.T) {
			kp, err := GenerateKeyPair(bits)
			if kp != nil {
				t.Error("expected no key pair")
			}
			if !errors.Is(err, ErrWeakKey) {
				t.Fatalf("Expected ErrWeakKey, got %v", err)
			}
			var weak *WeakKeyError
			if !errors.As(err, &weak) {
				t.Fatalf("Expected *WeakKeyError, got %T", err)
			}
			if weak.Bits != bits || weak.Minimum != MinKeyBits {
				t.Errorf("unexpected error fields: %+v", weak)
			}
		})
	}
}

func TestGenerateKeyPair_2048(t *testing.T) {
	kp := testKeyPair(t)

	if kp.Algorithm != AlgorithmRSASHA256 {
		t.Errorf("Algorithm = %s", kp.Algorithm)
	}
	if kp.Bits != 2048 {
		t.Errorf("Bits = %d", kp.Bits)
	}
	if kp.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	key, err := kp.PrivateKey()
	if err != nil {
		t.Fatalf("private key does not decode: %v", err)
	}
	if key.N.BitLen() != 2048 {
		t.Errorf("decoded key has %d bits", key.N.BitLen())
	}

	pub, err := kp.PublicKey()
	if err != nil {
		t.Fatalf("public key does not decode: %v", err)
	}
	if !pub.Equal(&key.PublicKey) {
		t.Error("public key does not match private key")
	}
}

func TestKeyPair_Redaction(t *testing.T) {
	kp := testKeyPair(t)

	for name, out := range map[string]string{
		"String":   kp.String(),
		"Sprintf":  fmt.Sprintf("%v %+v %#v", *kp, kp, kp),
		"JSONSelf": mustJSON(t, kp),
	} {
		if strings.Contains(out, "PRIVATE KEY") || strings.Contains(out, string(kp.PrivateKeyPEM[40:80])) {
			t.Errorf("%s leaks private key material: %s", name, out)
		}
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	return string(b)
}
