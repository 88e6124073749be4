package timestamps

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single round trip to the TSA.
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps the body read from a TSA.
const maxResponseSize = 1 << 20

// Outcome labels passed to the outcome hook.
const (
	OutcomeGranted  = "granted"
	OutcomeRejected = "rejected"
	OutcomeFallback = "fallback"
)

// TimestampRejectedError is returned when the TSA answered but did not grant
// a usable token. StatusString is never empty.
type TimestampRejectedError struct {
	Status       Status
	PKIStatus    PKIStatus
	StatusString string
}

func (e *TimestampRejectedError) Error() string {
	return fmt.Sprintf("timestamp %s: %s", e.Status, e.StatusString)
}

func (e *TimestampRejectedError) Is(target error) bool {
	return target == ErrTimestampRejected
}

// Response is the interpreted result of a timestamp request.
type Response struct {
	Status       Status
	PKIStatus    PKIStatus
	StatusString string

	// Time is the genTime of a granted token, zero otherwise.
	Time  time.Time
	Token []byte

	SerialNumber *big.Int
	TSAName      string

	// MessageImprint is the SHA-256 digest that was submitted.
	MessageImprint []byte
	Nonce          *big.Int

	// Local marks tokens issued by the in-process fallback authority.
	Local bool
}

// Granted reports whether the response carries a usable token.
func (r *Response) Granted() bool {
	return r != nil && r.Status == StatusGranted && len(r.Token) > 0
}

// Config configures a Client.
type Config struct {
	// URL of the TSA. When empty every request is served locally.
	URL string

	Timeout time.Duration

	// Platform names the local fallback authority.
	Platform string

	Username string
	Password string

	// RequestsPerSecond limits outgoing requests; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Client requests RFC 3161 tokens and falls back to a local authority when
// the TSA cannot be reached.
type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *rate.Limiter
	clock     clockwork.Clock
	logger    *zap.Logger
	onOutcome func(outcome string)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. Its timeout is left untouched.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClientClock sets the clock used by the fallback authority.
func WithClientClock(clock clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithOutcomeHook registers fn to be called once per request with one of the
// Outcome labels.
func WithOutcomeHook(fn func(outcome string)) ClientOption {
	return func(c *Client) { c.onOutcome = fn }
}

// NewClient creates a timestamp client.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Platform == "" {
		cfg.Platform = "DocSeal"
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocalTSAName returns the name used by the fallback authority.
func LocalTSAName(platform string) string {
	return platform + " Local TSA (Development)"
}

// LocalName returns the fallback authority name of this client.
func (c *Client) LocalName() string {
	return LocalTSAName(c.cfg.Platform)
}

// NewNonce returns a random 64-bit nonce.
func NewNonce() (*big.Int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return new(big.Int).SetBytes(buf[:]), nil
}

// RequestTimestamp timestamps the SHA-256 digest of document.
//
// When the TSA is unreachable or answers with a non-2xx status a locally
// issued token is returned with a nil error. When the TSA answers with a
// rejection, a waiting status, or a token that does not match the request, the
// interpreted Response is returned together with a *TimestampRejectedError.
func (c *Client) RequestTimestamp(ctx context.Context, document []byte) (*Response, error) {
	digest := sha256.Sum256(document)
	return c.RequestTimestampForDigest(ctx, digest[:])
}

// RequestTimestampForDigest is RequestTimestamp for a precomputed SHA-256 digest.
func (c *Client) RequestTimestampForDigest(ctx context.Context, digest []byte) (*Response, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("%w: digest must be %d bytes", ErrUnsupportedHash, sha256.Size)
	}
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	der, err := NewRequest(digest, nonce).Marshal()
	if err != nil {
		return nil, err
	}

	body, err := c.send(ctx, der)
	if err != nil {
		if !errors.Is(err, ErrTSAUnavailable) {
			return nil, err
		}
		c.logger.Warn("timestamp authority unavailable, using local fallback",
			zap.String("url", c.cfg.URL),
			zap.Error(err),
		)
		resp, err := c.localResponse(digest, nonce)
		if err != nil {
			return nil, err
		}
		c.outcome(OutcomeFallback)
		return resp, nil
	}

	resp, err := c.interpret(body, digest, nonce)
	if err != nil {
		c.logger.Warn("timestamp request rejected",
			zap.String("url", c.cfg.URL),
			zap.String("status", resp.StatusString),
		)
		c.outcome(OutcomeRejected)
		return resp, err
	}
	c.logger.Debug("timestamp granted",
		zap.String("tsa", resp.TSAName),
		zap.Time("gen_time", resp.Time),
	)
	c.outcome(OutcomeGranted)
	return resp, nil
}

func (c *Client) outcome(label string) {
	if c.onOutcome != nil {
		c.onOutcome(label)
	}
}

// send posts the request. Every transport level failure is reported as
// ErrTSAUnavailable.
func (c *Client) send(ctx context.Context, der []byte) ([]byte, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("%w: no TSA configured", ErrTSAUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTSAUnavailable, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(der))
	if err != nil {
		return nil, fmt.Errorf("failed to create TSA request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeQuery)
	req.Header.Set("Accept", ContentTypeReply)
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTSAUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTSAUnavailable, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != ContentTypeReply {
			c.logger.Debug("unexpected TSA content type", zap.String("content_type", ct))
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTSAUnavailable, err)
	}
	return body, nil
}

func (c *Client) interpret(body, digest []byte, nonce *big.Int) (*Response, error) {
	out := &Response{MessageImprint: digest, Nonce: nonce}
	reject := func(reason string) (*Response, error) {
		out.Status = StatusRejected
		out.StatusString = reason
		out.Token = nil
		out.Time = time.Time{}
		return out, &TimestampRejectedError{Status: out.Status, PKIStatus: out.PKIStatus, StatusString: reason}
	}

	msg, err := ParseResponse(body)
	if err != nil {
		out.PKIStatus = PKIStatusRejection
		return reject(fmt.Sprintf("malformed response: %v", err))
	}
	out.PKIStatus = msg.Status.Status
	out.Status = msg.Status.Status.Outcome()
	out.StatusString = msg.Status.String()

	if out.Status != StatusGranted {
		return out, &TimestampRejectedError{Status: out.Status, PKIStatus: out.PKIStatus, StatusString: out.StatusString}
	}
	if len(msg.Token) == 0 {
		return reject("granted response without a token")
	}

	token, err := ParseToken(msg.Token)
	if err != nil {
		return reject(fmt.Sprintf("malformed token: %v", err))
	}
	if !token.Signed {
		return reject(ErrTimestampNotSigned.Error())
	}
	info := token.Info
	if !bytes.Equal(info.MessageImprint.HashedMessage, digest) {
		return reject(ErrTimestampMismatch.Error())
	}
	if info.Nonce == nil || info.Nonce.Cmp(nonce) != 0 {
		return reject(ErrNonceMismatch.Error())
	}

	out.Token = msg.Token
	out.Time = info.GenTime
	out.SerialNumber = info.SerialNumber
	out.TSAName = info.TSAName
	if out.TSAName == "" {
		out.TSAName = signerName(token)
	}
	return out, nil
}

// signerName falls back to the subject of the certificate that signed the
// token when the TSTInfo carries no tsa field.
func signerName(token *Token) string {
	for _, raw := range token.SignedData.Certificates {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		for _, si := range token.SignedData.SignerInfos {
			bySerial := si.SID.SerialNumber != nil && cert.SerialNumber.Cmp(si.SID.SerialNumber) == 0
			bySKID := si.SubjectKeyID != nil && bytes.Equal(cert.SubjectKeyId, si.SubjectKeyID)
			if bySerial || bySKID {
				if cert.Subject.CommonName != "" {
					return cert.Subject.CommonName
				}
				return cert.Subject.String()
			}
		}
	}
	return ""
}
