package timestamps

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var oidExtKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
var oidKPTimeStamping = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}

// Authority is a time-stamping authority for development and tests. It grants
// every well-formed SHA-2 request and signs tokens with its own certificate.
type Authority struct {
	cert         *x509.Certificate
	key          crypto.Signer
	certsToEmbed []*x509.Certificate
	clock        clockwork.Clock
	logger       *zap.Logger
	policy       asn1.ObjectIdentifier
	accuracy     time.Duration
	includeNonce bool
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithAuthorityClock sets the clock used for genTime.
func WithAuthorityClock(c clockwork.Clock) AuthorityOption {
	return func(a *Authority) { a.clock = c }
}

// WithAuthorityLogger sets the logger.
func WithAuthorityLogger(l *zap.Logger) AuthorityOption {
	return func(a *Authority) { a.logger = l }
}

// WithPolicy sets the TSA policy OID.
func WithPolicy(policy asn1.ObjectIdentifier) AuthorityOption {
	return func(a *Authority) { a.policy = policy }
}

// WithoutNonce disables nonce echoing.
func WithoutNonce() AuthorityOption {
	return func(a *Authority) { a.includeNonce = false }
}

// WithCertsToEmbed adds certificates to embed in tokens.
func WithCertsToEmbed(certs []*x509.Certificate) AuthorityOption {
	return func(a *Authority) { a.certsToEmbed = certs }
}

// NewAuthority creates an authority signing with key and cert.
func NewAuthority(cert *x509.Certificate, key crypto.Signer, opts ...AuthorityOption) *Authority {
	a := &Authority{
		cert:         cert,
		key:          key,
		clock:        clockwork.NewRealClock(),
		logger:       zap.NewNop(),
		policy:       OIDDevelopmentPolicy,
		accuracy:     time.Second,
		includeNonce: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewDevelopmentAuthority creates an authority with a freshly generated
// self-signed certificate named "<name> TSA".
func NewDevelopmentAuthority(name string, opts ...AuthorityOption) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	eku, err := asn1.Marshal([]asn1.ObjectIdentifier{oidKPTimeStamping})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         name + " TSA",
			Organization:       []string{name},
			OrganizationalUnit: []string{"Time Stamping Authority"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
		// RFC 3161 requires the extended key usage to be critical.
		ExtraExtensions: []pkix.Extension{{Id: oidExtKeyUsage, Critical: true, Value: eku}},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create TSA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TSA certificate: %w", err)
	}
	return NewAuthority(cert, key, opts...), nil
}

// Certificate returns the signing certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// Respond answers a DER TimeStampReq with a DER TimeStampResp. Invalid
// requests produce a rejection response rather than an error.
func (a *Authority) Respond(reqDER []byte) ([]byte, error) {
	req, err := ParseRequest(reqDER)
	if err != nil {
		if errors.Is(err, ErrUnsupportedHash) {
			return a.reject(FailBadAlg, "unsupported hash algorithm")
		}
		return a.reject(FailBadDataFormat, "malformed request")
	}
	if len(req.ReqPolicy) > 0 && !req.ReqPolicy.Equal(a.policy) {
		return a.reject(FailUnacceptedPolicy, "unsupported policy "+req.ReqPolicy.String())
	}

	serial, err := randomSerial()
	if err != nil {
		return a.reject(FailSystemFailure, "serial number unavailable")
	}
	ts := &timestamp.Timestamp{
		HashAlgorithm:     req.MessageImprint.HashAlgorithm,
		HashedMessage:     req.MessageImprint.HashedMessage,
		Time:              a.clock.Now().UTC(),
		Accuracy:          a.accuracy,
		SerialNumber:      serial,
		Policy:            a.policy,
		Certificates:      a.certsToEmbed,
		AddTSACertificate: req.CertReq,
	}
	if a.includeNonce {
		ts.Nonce = req.Nonce
	}

	resp, err := ts.CreateResponseWithOpts(a.cert, a.key, crypto.SHA256)
	if err != nil {
		a.logger.Error("failed to sign timestamp", zap.Error(err))
		return a.reject(FailSystemFailure, "signing failed")
	}
	a.logger.Debug("timestamp issued",
		zap.String("serial", serial.String()),
		zap.Time("gen_time", ts.Time),
	)
	return resp, nil
}

func (a *Authority) reject(fail FailureInfo, text string) ([]byte, error) {
	a.logger.Info("timestamp request rejected", zap.Stringer("failure", fail), zap.String("reason", text))
	msg := &ResponseMessage{Status: StatusInfo{
		Status:   PKIStatusRejection,
		Text:     []string{text},
		Failures: []FailureInfo{fail},
	}}
	return msg.Marshal()
}

// ServeHTTP implements the RFC 3161 HTTP transport.
func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != ContentTypeQuery {
		http.Error(w, "expected "+ContentTypeQuery, http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseSize))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	resp, err := a.Respond(body)
	if err != nil {
		a.logger.Error("failed to encode timestamp response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeReply)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
