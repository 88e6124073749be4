package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

const (
	// AlgorithmRSASHA256 tags key pairs used for RSA PKCS#1 v1.5 with SHA-256.
	AlgorithmRSASHA256 = "RSA-SHA256"

	// MinKeyBits is the smallest RSA modulus the authority will generate.
	MinKeyBits = 2048

	// DefaultKeyBits is used when no size is requested.
	DefaultKeyBits = 2048
)

// ErrWeakKey is matched by every WeakKeyError.
var ErrWeakKey = errors.New("key size below minimum")

// WeakKeyError is returned when a key size below MinKeyBits is requested.
type WeakKeyError struct {
	Bits    int
	Minimum int
}

func (e *WeakKeyError) Error() string {
	return fmt.Sprintf("weak key: %d bits requested, minimum is %d", e.Bits, e.Minimum)
}

func (e *WeakKeyError) Is(target error) bool {
	return target == ErrWeakKey
}

// KeyPair holds PEM encoded RSA key material.
type KeyPair struct {
	PublicKeyPEM  []byte
	PrivateKeyPEM []byte
	Algorithm     string
	Bits          int
	CreatedAt     time.Time
}

// GenerateKeyPair generates an RSA key pair. A zero size selects DefaultKeyBits.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	return generateKeyPair(bits, time.Now())
}

func generateKeyPair(bits int, now time.Time) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits {
		return nil, &WeakKeyError{Bits: bits, Minimum: MinKeyBits}
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return keyPairFromRSA(key, now)
}

func keyPairFromRSA(key *rsa.PrivateKey, now time.Time) (*KeyPair, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	return &KeyPair{
		PublicKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: pubDER}),
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: privDER}),
		Algorithm:     AlgorithmRSASHA256,
		Bits:          key.N.BitLen(),
		CreatedAt:     now.UTC(),
	}, nil
}

// PrivateKey decodes the private half of the pair.
func (kp *KeyPair) PrivateKey() (*rsa.PrivateKey, error) {
	if kp == nil || len(kp.PrivateKeyPEM) == 0 {
		return nil, ErrNoKeyFound
	}
	return LoadPrivateKeyFromPemDerData(kp.PrivateKeyPEM)
}

// PublicKey decodes the public half of the pair.
func (kp *KeyPair) PublicKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode(kp.PublicKeyPEM)
	if block == nil {
		return nil, ErrInvalidPEMBlock
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, pub)
	}
	return rsaPub, nil
}

// String never includes private key material.
func (kp KeyPair) String() string {
	return fmt.Sprintf("KeyPair(%s, %d bits, private key redacted)", kp.Algorithm, kp.Bits)
}

func (kp KeyPair) GoString() string { return kp.String() }

// MarshalJSON omits the private key.
func (kp KeyPair) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Algorithm    string    `json:"algorithm"`
		Bits         int       `json:"bits"`
		CreatedAt    time.Time `json:"createdAt"`
		PublicKeyPEM string    `json:"publicKey"`
	}{kp.Algorithm, kp.Bits, kp.CreatedAt, string(kp.PublicKeyPEM)})
}
