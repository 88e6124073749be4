// Package keys implements the platform key and certificate authority: RSA key
// generation, self-signed signer certificates, per-signer credential custody,
// and the PEM/DER helpers shared by the signing and verification code.
package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNoCertFound     = errors.New("no certificate found in data")
	ErrNoKeyFound      = errors.New("no private key found in data")
	ErrUnknownKeyType  = errors.New("unknown private key type")
	ErrInvalidPEMBlock = errors.New("invalid PEM block")
	ErrMultipleCerts   = errors.New("expected exactly one certificate")
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypePrivateKey  = "PRIVATE KEY"
	pemTypeRSAPrivate  = "RSA PRIVATE KEY"
	pemTypePublicKey   = "PUBLIC KEY"
)

// PrivateKey represents a private key that can be used for signing.
type PrivateKey interface {
	crypto.Signer
}

// LoadCertsFromPemDerData loads certificates from PEM or DER encoded data.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != pemTypeCertificate {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadCertFromPemDerData loads exactly one certificate from PEM or DER data.
func LoadCertFromPemDerData(data []byte) (*x509.Certificate, error) {
	certs, err := LoadCertsFromPemDerData(data)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrMultipleCerts, len(certs))
	}
	return certs[0], nil
}

// LoadPrivateKeyFromPemDerData loads an RSA private key from PEM or DER encoded data.
func LoadPrivateKeyFromPemDerData(data []byte) (*rsa.PrivateKey, error) {
	if isPEM(data) {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, ErrInvalidPEMBlock
		}
		return parsePrivateKeyByType(block.Type, block.Bytes)
	}

	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return toRSAKey(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

// parsePrivateKeyByType parses a private key based on the PEM block type.
func parsePrivateKeyByType(blockType string, keyBytes []byte) (*rsa.PrivateKey, error) {
	switch blockType {
	case pemTypeRSAPrivate:
		return x509.ParsePKCS1PrivateKey(keyBytes)
	case pemTypePrivateKey:
		key, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		return toRSAKey(key)
	case sealedBlockType:
		return nil, ErrKeySealed
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, blockType)
	}
}

func toRSAKey(key interface{}) (*rsa.PrivateKey, error) {
	k, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
	return k, nil
}

// isPEM checks if the data appears to be PEM encoded.
func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

// Fingerprint returns the lowercase hex SHA-256 of a DER encoded certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint truncates a fingerprint for display purposes.
func ShortFingerprint(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:16]
}

// PublicKeysEqual reports whether a certificate's public key is the public half of key.
func PublicKeysEqual(cert *x509.Certificate, key crypto.Signer) bool {
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return pub.Equal(key.Public())
}
