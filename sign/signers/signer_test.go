package signers

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/sign/cms"
)

func issue(t *testing.T, name string) (*keys.KeyPair, *keys.SigningCertificate) {
	t.Helper()
	kp, err := keys.GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	cert, err := keys.IssueCertificate(kp, keys.Subject{CommonName: name}, 30)
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}
	return kp, cert
}

func TestEngine_Sign(t *testing.T) {
	kp, cert := issue(t, "Signer One")
	key, _ := kp.PrivateKey()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	engine := NewEngine(WithClock(clock))

	doc := []byte("final award text")
	res, err := engine.Sign(doc, key, cert)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	sum := sha256.Sum256(doc)
	if res.DocumentDigest != hex.EncodeToString(sum[:]) {
		t.Errorf("DocumentDigest = %s", res.DocumentDigest)
	}
	if res.CertificateFingerprint != cert.Fingerprint() {
		t.Errorf("CertificateFingerprint = %s", res.CertificateFingerprint)
	}
	if !res.SignedAt.Equal(clock.Now()) {
		t.Errorf("SignedAt = %v, want %v", res.SignedAt, clock.Now())
	}
	if res.Algorithm != "RSA-SHA256" {
		t.Errorf("Algorithm = %s", res.Algorithm)
	}
	if _, err := base64.StdEncoding.DecodeString(res.SignatureBase64()); err != nil {
		t.Errorf("SignatureBase64 is not base64: %v", err)
	}

	sd, err := cms.ParseSignedData(res.Signature)
	if err != nil {
		t.Fatalf("ParseSignedData failed: %v", err)
	}
	if !sd.Detached() {
		t.Error("signature must be detached")
	}
	st, err := sd.SigningTime()
	if err != nil || !st.Equal(clock.Now()) {
		t.Errorf("signingTime = %v, %v", st, err)
	}

	if err := res.Verify(doc); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestEngine_DigestBinding(t *testing.T) {
	kp, cert := issue(t, "Signer Two")
	engine := NewEngine()

	doc := []byte("0123456789")
	mutated := append([]byte{}, doc...)
	mutated[4] ^= 0x20

	res, err := engine.SignWithCredentials(doc, &keys.Credentials{KeyPair: kp, Certificate: cert})
	if err != nil {
		t.Fatalf("SignWithCredentials failed: %v", err)
	}
	other, err := engine.SignWithCredentials(mutated, &keys.Credentials{KeyPair: kp, Certificate: cert})
	if err != nil {
		t.Fatalf("SignWithCredentials failed: %v", err)
	}

	if res.DocumentDigest == other.DocumentDigest {
		t.Error("mutation did not change the digest")
	}
	if err := res.Verify(mutated); !errors.Is(err, cms.ErrDigestMismatch) {
		t.Errorf("Expected ErrDigestMismatch, got %v", err)
	}
	if _, err := cms.Verify(res.Signature, mutated); !errors.Is(err, cms.ErrDigestMismatch) {
		t.Errorf("Expected CMS digest mismatch, got %v", err)
	}
}

func TestEngine_KeyCertificateMismatch(t *testing.T) {
	_, cert := issue(t, "Owner")
	otherKP, _ := issue(t, "Intruder")
	otherKey, _ := otherKP.PrivateKey()

	_, err := NewEngine().Sign([]byte("doc"), otherKey, cert)
	if !errors.Is(err, ErrKeyCertificateMismatch) {
		t.Fatalf("Expected ErrKeyCertificateMismatch, got %v", err)
	}
	var mm *KeyCertificateMismatchError
	if !errors.As(err, &mm) || mm.CertificateFingerprint != cert.Fingerprint() {
		t.Errorf("unexpected error %#v", err)
	}

	if _, err := NewEngine().Sign([]byte("doc"), nil, cert); !errors.Is(err, ErrKeyCertificateMismatch) {
		t.Errorf("nil key should be a mismatch, got %v", err)
	}
	if _, err := NewEngine().Sign([]byte("doc"), otherKey, nil); !errors.Is(err, cms.ErrMissingCertificate) {
		t.Errorf("Expected ErrMissingCertificate, got %v", err)
	}
}

func TestSignatureResult_Seal(t *testing.T) {
	kp, cert := issue(t, "Signer Three")
	res, err := NewEngine().SignWithCredentials([]byte("award"), &keys.Credentials{KeyPair: kp, Certificate: cert})
	if err != nil {
		t.Fatalf("SignWithCredentials failed: %v", err)
	}

	payload := []byte(`{"signerName":"Signer Three"}`)
	seal, err := res.Seal(payload)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	v, err := cms.Verify(seal, payload)
	if err != nil {
		t.Fatalf("seal does not verify: %v", err)
	}
	if keys.Fingerprint(v.Signer.Raw) != res.CertificateFingerprint {
		t.Error("seal made with a different certificate")
	}
	if _, err := cms.Verify(seal, []byte(`{"signerName":"Mallory"}`)); !errors.Is(err, cms.ErrDigestMismatch) {
		t.Errorf("Expected ErrDigestMismatch for other payload, got %v", err)
	}

	if _, err := (&SignatureResult{Signature: res.Signature}).Seal(payload); !errors.Is(err, ErrNoSigningKey) {
		t.Errorf("Expected ErrNoSigningKey, got %v", err)
	}
}
