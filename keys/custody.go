package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sealedBlockType = "DOCSEAL SEALED PRIVATE KEY"
	sealInfo        = "docseal/key-custody/v1"
	minSecretLength = 16
)

// Custody errors
var (
	ErrKeySealed      = errors.New("private key is sealed")
	ErrUnsealFailed   = errors.New("failed to unseal private key")
	ErrSecretTooShort = errors.New("custody secret too short")
)

// Sealer encrypts private keys at rest with AES-256-GCM under a key derived
// from a master secret via HKDF-SHA256. The signer id is bound as associated data.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrSecretTooShort, minSecretLength)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts a PEM private key and returns it as a sealed PEM block.
func (s *Sealer) Seal(signerID string, privateKeyPEM []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce random: %w", err)
	}
	ct := s.aead.Seal(nil, nonce, privateKeyPEM, []byte(signerID))
	return pem.EncodeToMemory(&pem.Block{
		Type:  sealedBlockType,
		Bytes: append(nonce, ct...),
	}), nil
}

// Unseal reverses Seal. Unsealed input is returned unchanged.
func (s *Sealer) Unseal(signerID string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	block, _ := pem.Decode(data)
	ns := s.aead.NonceSize()
	if len(block.Bytes) < ns {
		return nil, ErrUnsealFailed
	}
	pt, err := s.aead.Open(nil, block.Bytes[:ns], block.Bytes[ns:], []byte(signerID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	return pt, nil
}

// IsSealed reports whether data is a sealed private key block.
func IsSealed(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil && block.Type == sealedBlockType
}

// sealingStore seals private keys on the way into a CredentialStore and
// unseals them on the way out.
type sealingStore struct {
	inner  CredentialStore
	sealer *Sealer
}

func (s *sealingStore) LoadCredentials(ctx context.Context, signerID string) (*Credentials, error) {
	creds, err := s.inner.LoadCredentials(ctx, signerID)
	if err != nil {
		return nil, err
	}
	pt, err := s.sealer.Unseal(signerID, creds.KeyPair.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	out := *creds
	kp := *creds.KeyPair
	kp.PrivateKeyPEM = pt
	out.KeyPair = &kp
	return &out, nil
}

func (s *sealingStore) StoreCredentials(ctx context.Context, signerID string, creds *Credentials) error {
	sealed, err := s.sealer.Seal(signerID, creds.KeyPair.PrivateKeyPEM)
	if err != nil {
		return err
	}
	out := *creds
	kp := *creds.KeyPair
	kp.PrivateKeyPEM = sealed
	out.KeyPair = &kp
	return s.inner.StoreCredentials(ctx, signerID, &out)
}
