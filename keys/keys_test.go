package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
)

var (
	sharedKeyPair     *KeyPair
	sharedKeyPairErr  error
	sharedKeyPairOnce sync.Once
)

// testKeyPair returns a 2048-bit key pair generated once per test binary.
func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	sharedKeyPairOnce.Do(func() {
		sharedKeyPair, sharedKeyPairErr = GenerateKeyPair(2048)
	})
	if sharedKeyPairErr != nil {
		t.Fatalf("Failed to generate key: %v", sharedKeyPairErr)
	}
	return sharedKeyPair
}

func TestIsPEM(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected bool
	}{
		{"PEM data", []byte("-----BEGIN CERTIFICATE-----\ndata\n-----END CERTIFICATE-----"), true},
		{"DER data", []byte{0x30, 0x82, 0x01, 0x22}, false},
		{"Empty", []byte{}, false},
		{"Short data", []byte("----"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isPEM(tt.data)
			if result != tt.expected {
				t.Errorf("isPEM() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLoadCertsFromPemDerData(t *testing.T) {
	kp := testKeyPair(t)
	cert, err := IssueCertificate(kp, Subject{CommonName: "Loader Test"}, 30)
	if err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}

	t.Run("PEM", func(t *testing.T) {
		certs, err := LoadCertsFromPemDerData(cert.PEM())
		if err != nil {
			t.Fatalf("LoadCertsFromPemDerData failed: %v", err)
		}
		if len(certs) != 1 {
			t.Fatalf("Expected 1 cert, got %d", len(certs))
		}
		if certs[0].Subject.CommonName != "Loader Test" {
			t.Errorf("Expected CommonName 'Loader Test', got '%s'", certs[0].Subject.CommonName)
		}
	})

	t.Run("DER", func(t *testing.T) {
		c, err := LoadCertFromPemDerData(cert.Raw)
		if err != nil {
			t.Fatalf("LoadCertFromPemDerData failed: %v", err)
		}
		if c.SerialNumber.Cmp(cert.SerialNumber) != 0 {
			t.Errorf("serial mismatch")
		}
	})

	t.Run("PEM without certificates", func(t *testing.T) {
		_, err := LoadCertsFromPemDerData(kp.PublicKeyPEM)
		if !errors.Is(err, ErrNoCertFound) {
			t.Errorf("Expected ErrNoCertFound, got %v", err)
		}
	})

	t.Run("two certificates", func(t *testing.T) {
		data := append(append([]byte{}, cert.PEM()...), cert.PEM()...)
		_, err := LoadCertFromPemDerData(data)
		if !errors.Is(err, ErrMultipleCerts) {
			t.Errorf("Expected ErrMultipleCerts, got %v", err)
		}
	})
}

func TestLoadPrivateKeyFromPemDerData(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	pkcs1 := x509.MarshalPKCS1PrivateKey(key)

	tests := []struct {
		name string
		data []byte
	}{
		{"PKCS8 PEM", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})},
		{"PKCS1 PEM", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: pkcs1})},
		{"PKCS8 DER", pkcs8},
		{"PKCS1 DER", pkcs1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loaded, err := LoadPrivateKeyFromPemDerData(tt.data)
			if err != nil {
				t.Fatalf("LoadPrivateKeyFromPemDerData failed: %v", err)
			}
			if !loaded.Equal(key) {
				t.Error("loaded key differs from original")
			}
		})
	}

	t.Run("unknown block", func(t *testing.T) {
		data := pem.EncodeToMemory(&pem.Block{Type: "DSA PRIVATE KEY", Bytes: []byte{1, 2, 3}})
		_, err := LoadPrivateKeyFromPemDerData(data)
		if !errors.Is(err, ErrUnknownKeyType) {
			t.Errorf("Expected ErrUnknownKeyType, got %v", err)
		}
	})

	t.Run("garbage DER", func(t *testing.T) {
		_, err := LoadPrivateKeyFromPemDerData([]byte{0x01, 0x02})
		if !errors.Is(err, ErrNoKeyFound) {
			t.Errorf("Expected ErrNoKeyFound, got %v", err)
		}
	})
}

func TestFingerprint(t *testing.T) {
	data := []byte("certificate bytes")
	a := Fingerprint(data)
	b := Fingerprint(append([]byte{}, data...))
	if a != b {
		t.Errorf("fingerprint not stable: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if ShortFingerprint(a) != a[:16] {
		t.Errorf("ShortFingerprint() = %s", ShortFingerprint(a))
	}
	if ShortFingerprint("abc") != "abc" {
		t.Errorf("short input should be returned unchanged")
	}
}
