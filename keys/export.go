package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"software.sslmate.com/src/go-pkcs12"
)

// ExportPKCS12 bundles the signer's key and certificate into a password
// protected PKCS#12 file using modern (AES/PBKDF2) encryption.
func ExportPKCS12(creds *Credentials, password string) ([]byte, error) {
	key, err := creds.KeyPair.PrivateKey()
	if err != nil {
		return nil, err
	}
	cert, err := creds.Certificate.X509()
	if err != nil {
		return nil, err
	}
	pfx, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return pfx, nil
}

// PublicJWK returns the signer's public key as a JWK with the certificate's
// SHA-256 thumbprint as key id.
func PublicJWK(creds *Credentials) (jwk.Key, error) {
	pub, err := creds.KeyPair.PublicKey()
	if err != nil {
		return nil, err
	}
	jk, err := jwk.Import(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to import public key: %w", err)
	}

	thumb := sha256.Sum256(creds.Certificate.Raw)
	jk.Set("use", "sig")
	jk.Set(jwk.KeyIDKey, creds.Certificate.Fingerprint())
	jk.Set(jwk.AlgorithmKey, "RS256")
	jk.Set(jwk.X509CertThumbprintS256Key, base64.RawURLEncoding.EncodeToString(thumb[:]))
	return jk, nil
}
