package keys

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DefaultValidityDays is used when IssueCertificate is called with zero validity.
const DefaultValidityDays = 365

// ErrCertificateIssuance is matched by every CertificateIssuanceError.
var ErrCertificateIssuance = errors.New("certificate issuance failed")

// CertificateIssuanceError reports a certificate the authority refused to hand out.
type CertificateIssuanceError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *CertificateIssuanceError) Error() string {
	msg := fmt.Sprintf("certificate issuance for '%s' failed: %s", e.Subject, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CertificateIssuanceError) Unwrap() error { return e.Err }

func (e *CertificateIssuanceError) Is(target error) bool {
	return target == ErrCertificateIssuance
}

// Topology describes how a signer certificate relates to its issuer.
type Topology string

const (
	// SelfSigned certificates carry the platform CA as issuer name but are
	// signed with the subject's own key.
	SelfSigned Topology = "self-signed"

	// IssuerSigned certificates were signed by a key other than the subject's.
	IssuerSigned Topology = "issuer-signed"
)

// Subject identifies the signer a certificate is issued to.
type Subject struct {
	CommonName         string `json:"commonName" yaml:"common_name"`
	Email              string `json:"email,omitempty" yaml:"email"`
	Organization       string `json:"organization,omitempty" yaml:"organization"`
	OrganizationalUnit string `json:"organizationalUnit,omitempty" yaml:"organizational_unit"`
	Country            string `json:"country,omitempty" yaml:"country"`
}

func (s Subject) pkixName() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	return name
}

// Issuer is the platform CA identity written into the issuer field.
type Issuer struct {
	CommonName   string `json:"commonName" yaml:"common_name"`
	Organization string `json:"organization,omitempty" yaml:"organization"`
}

// DefaultIssuer returns the issuer identity for a platform name.
func DefaultIssuer(platform string) Issuer {
	return Issuer{
		CommonName:   platform + " Platform CA",
		Organization: platform,
	}
}

func (i Issuer) pkixName() pkix.Name {
	name := pkix.Name{CommonName: i.CommonName}
	if i.Organization != "" {
		name.Organization = []string{i.Organization}
	}
	return name
}

// SigningCertificate is an issued signer certificate. All fields are derived
// from Raw; the fingerprint is recomputed on demand.
type SigningCertificate struct {
	SerialNumber *big.Int
	Subject      Subject
	Issuer       Issuer
	ValidFrom    time.Time
	ValidTo      time.Time
	Raw          []byte
	Topology     Topology
}

// Fingerprint returns the SHA-256 fingerprint of the DER encoding.
func (c *SigningCertificate) Fingerprint() string {
	return Fingerprint(c.Raw)
}

// X509 parses the DER encoding.
func (c *SigningCertificate) X509() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.Raw)
}

// PEM returns the certificate as a PEM block.
func (c *SigningCertificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: c.Raw})
}

// ValidAt reports whether t lies inside the validity window.
func (c *SigningCertificate) ValidAt(t time.Time) bool {
	return !t.Before(c.ValidFrom) && !t.After(c.ValidTo)
}

// ParseSigningCertificate rebuilds a SigningCertificate from a single PEM or
// DER encoded certificate.
func ParseSigningCertificate(data []byte) (*SigningCertificate, error) {
	cert, err := LoadCertFromPemDerData(data)
	if err != nil {
		return nil, err
	}
	return fromX509(cert), nil
}

func fromX509(cert *x509.Certificate) *SigningCertificate {
	sc := &SigningCertificate{
		SerialNumber: cert.SerialNumber,
		Subject: Subject{
			CommonName:         cert.Subject.CommonName,
			Organization:       first(cert.Subject.Organization),
			OrganizationalUnit: first(cert.Subject.OrganizationalUnit),
			Country:            first(cert.Subject.Country),
			Email:              first(cert.EmailAddresses),
		},
		Issuer: Issuer{
			CommonName:   cert.Issuer.CommonName,
			Organization: first(cert.Issuer.Organization),
		},
		ValidFrom: cert.NotBefore,
		ValidTo:   cert.NotAfter,
		Raw:       cert.Raw,
		Topology:  IssuerSigned,
	}
	if cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil {
		sc.Topology = SelfSigned
	}
	return sc
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

type issueSettings struct {
	issuer Issuer
	now    time.Time
}

// IssueOption configures IssueCertificate.
type IssueOption func(*issueSettings)

// WithIssuer overrides the issuer identity.
func WithIssuer(issuer Issuer) IssueOption {
	return func(s *issueSettings) { s.issuer = issuer }
}

// WithIssueTime sets the start of the validity window.
func WithIssueTime(t time.Time) IssueOption {
	return func(s *issueSettings) { s.now = t }
}

// IssueCertificate issues a self-signed certificate for the key pair. The
// issuer field names the platform CA but the signature is made with the
// subject's own key. A zero validity selects DefaultValidityDays.
func IssueCertificate(kp *KeyPair, subject Subject, validityDays int, opts ...IssueOption) (*SigningCertificate, error) {
	settings := issueSettings{
		issuer: DefaultIssuer("DocSeal"),
		now:    time.Now(),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	fail := func(reason string, err error) (*SigningCertificate, error) {
		return nil, &CertificateIssuanceError{Subject: subject.CommonName, Reason: reason, Err: err}
	}

	if subject.CommonName == "" {
		return fail("subject common name is required", nil)
	}
	if validityDays == 0 {
		validityDays = DefaultValidityDays
	}
	if validityDays < 0 {
		return fail(fmt.Sprintf("invalid validity of %d days", validityDays), nil)
	}
	if settings.issuer.CommonName == "" || settings.issuer.CommonName == subject.CommonName {
		return fail("issuer identity must be set and distinct from the subject", nil)
	}

	key, err := kp.PrivateKey()
	if err != nil {
		return fail("cannot decode private key", err)
	}
	pubDER := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	skid := sha1.Sum(pubDER)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fail("cannot generate serial number", err)
	}
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}

	notBefore := settings.now.UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(0, 0, validityDays)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject.pkixName(),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          skid[:],
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	if subject.Email != "" {
		template.EmailAddresses = []string{subject.Email}
	}

	// The parent only contributes the issuer name; the subject key signs.
	parent := *template
	parent.Subject = settings.issuer.pkixName()

	der, err := x509.CreateCertificate(rand.Reader, template, &parent, &key.PublicKey, key)
	if err != nil {
		return fail("cannot create certificate", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fail("issued certificate does not parse", err)
	}
	if !cert.NotBefore.Before(cert.NotAfter) {
		return fail("validity window is empty", nil)
	}
	if settings.now.Before(cert.NotBefore.Add(-time.Second)) || settings.now.After(cert.NotAfter) {
		return fail("certificate is not valid at issuance time", nil)
	}
	if !PublicKeysEqual(cert, key) {
		return fail("certificate public key does not match key pair", nil)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fail("certificate signature does not verify", err)
	}

	return fromX509(cert), nil
}
