// Package signers produces detached CMS signatures over document bytes.
package signers

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/sign/cms"
)

// AlgorithmRSASHA256 is reported for every signature produced by the engine.
const AlgorithmRSASHA256 = keys.AlgorithmRSASHA256

// ErrKeyCertificateMismatch is matched by every KeyCertificateMismatchError.
var ErrKeyCertificateMismatch = errors.New("private key does not match certificate")

// ErrNoSigningKey is returned by Seal on results that were not produced by an
// Engine.
var ErrNoSigningKey = errors.New("signature result holds no signing key")

// KeyCertificateMismatchError is returned before signing when the private key
// is not the counterpart of the certificate's public key.
type KeyCertificateMismatchError struct {
	CertificateFingerprint string
}

func (e *KeyCertificateMismatchError) Error() string {
	return fmt.Sprintf("private key does not match certificate %s", keys.ShortFingerprint(e.CertificateFingerprint))
}

func (e *KeyCertificateMismatchError) Is(target error) bool {
	return target == ErrKeyCertificateMismatch
}

// SignatureResult is a detached signature together with what it binds.
type SignatureResult struct {
	// Signature is the DER encoded CMS ContentInfo.
	Signature []byte

	SignedAt               time.Time
	Algorithm              string
	CertificateFingerprint string

	// DocumentDigest is the lowercase hex SHA-256 of the signed bytes.
	DocumentDigest string

	// Certificate is the DER encoded signer certificate.
	Certificate []byte

	seal func(payload []byte) ([]byte, error)
}

// Seal returns a detached CMS over payload made with the same key,
// certificate and signing time as Signature.
func (r *SignatureResult) Seal(payload []byte) ([]byte, error) {
	if r.seal == nil {
		return nil, ErrNoSigningKey
	}
	return r.seal(payload)
}

// SignatureBase64 returns the signature in its storage representation.
func (r *SignatureResult) SignatureBase64() string {
	return base64.StdEncoding.EncodeToString(r.Signature)
}

// DigestOf returns the lowercase hex SHA-256 of data.
func DigestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Engine signs documents.
type Engine struct {
	clock  clockwork.Clock
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for the signingTime attribute.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a signature engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sign computes a detached CMS signature over document with key, which must
// be the private half of cert.
func (e *Engine) Sign(document []byte, key keys.PrivateKey, cert *keys.SigningCertificate) (*SignatureResult, error) {
	if cert == nil || len(cert.Raw) == 0 {
		return nil, cms.ErrMissingCertificate
	}
	x509Cert, err := cert.X509()
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer certificate: %w", err)
	}
	fingerprint := cert.Fingerprint()
	if key == nil || !keys.PublicKeysEqual(x509Cert, key) {
		return nil, &KeyCertificateMismatchError{CertificateFingerprint: fingerprint}
	}

	signedAt := e.clock.Now().UTC().Truncate(time.Second)
	builder := cms.NewBuilder(x509Cert, key)
	builder.SetSigningTime(signedAt)

	der, err := builder.SignDetached(document)
	if err != nil {
		return nil, fmt.Errorf("failed to build signature: %w", err)
	}

	result := &SignatureResult{
		Signature:              der,
		SignedAt:               signedAt,
		Algorithm:              AlgorithmRSASHA256,
		CertificateFingerprint: fingerprint,
		DocumentDigest:         DigestOf(document),
		Certificate:            cert.Raw,
		seal:                   builder.SignDetached,
	}
	e.logger.Debug("signed document",
		zap.String("digest", result.DocumentDigest),
		zap.String("fingerprint", keys.ShortFingerprint(fingerprint)),
		zap.Int("signature_bytes", len(der)),
	)
	return result, nil
}

// SignWithCredentials decodes the credential key pair and signs document.
func (e *Engine) SignWithCredentials(document []byte, creds *keys.Credentials) (*SignatureResult, error) {
	key, err := creds.KeyPair.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to decode signer key: %w", err)
	}
	return e.Sign(document, key, creds.Certificate)
}

// Verify checks that the result is a valid signature over document.
func (r *SignatureResult) Verify(document []byte) error {
	if DigestOf(document) != r.DocumentDigest {
		return cms.ErrDigestMismatch
	}
	v, err := cms.Verify(r.Signature, document)
	if err != nil {
		return err
	}
	if keys.Fingerprint(v.Signer.Raw) != r.CertificateFingerprint {
		return fmt.Errorf("%w: signer certificate differs from recorded fingerprint", cms.ErrInvalidSignature)
	}
	return nil
}
