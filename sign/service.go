// Package sign composes the key authority, signature engine, timestamp
// client, embedder and verifier into the document signing pipeline.
package sign

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/config"
	"github.com/georgepadayatti/docseal/keys"
	"github.com/georgepadayatti/docseal/logging"
	"github.com/georgepadayatti/docseal/metrics"
	"github.com/georgepadayatti/docseal/sign/embed"
	"github.com/georgepadayatti/docseal/sign/signers"
	"github.com/georgepadayatti/docseal/sign/timestamps"
	"github.com/georgepadayatti/docseal/sign/validation"
)

// ErrTimestampRequired is returned when a TSA token was required but only a
// rejection or a local token could be obtained.
var ErrTimestampRequired = errors.New("trusted timestamp required")

// ErrEmptyDocument is returned for zero-length input.
var ErrEmptyDocument = errors.New("document is empty")

// Options describe one signing operation.
type Options struct {
	SignerName   string
	Email        string
	Organization string
	Reason       string
	Location     string
	ContactInfo  string
	Role         string

	// Timestamp requests an RFC 3161 token over the document.
	Timestamp bool
	// RequireTimestamp fails the operation unless a TSA granted a token.
	// It implies Timestamp.
	RequireTimestamp bool
}

// SignedDocument is the outcome of Sign.
type SignedDocument struct {
	Document []byte
	// Digest is the SHA-256 of Document, distinct from Signature.DocumentDigest.
	Digest      string
	Signature   *signers.SignatureResult
	Timestamp   *timestamps.Response
	Certificate *keys.SigningCertificate
	Record      embed.Record
}

// Service runs the signing pipeline. It holds no per-call state and is safe
// for concurrent use.
type Service struct {
	authority *keys.Authority
	engine    *signers.Engine
	tsa       *timestamps.Client
	embedder  *embed.Embedder
	verifier  *validation.Verifier
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	requireTimestamp bool
}

// Option configures a Service.
type Option func(*Service)

// WithTimestampClient sets the TSA client. Without one, requested timestamps
// are skipped.
func WithTimestampClient(c *timestamps.Client) Option {
	return func(s *Service) { s.tsa = c }
}

// WithEngine replaces the signature engine.
func WithEngine(e *signers.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithEmbedder replaces the embedder.
func WithEmbedder(e *embed.Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// WithVerifier replaces the verifier.
func WithVerifier(v *validation.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithClock sets the clock used for latency measurements.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records sign outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRequiredTimestamp makes every Sign call behave as if
// Options.RequireTimestamp were set.
func WithRequiredTimestamp(required bool) Option {
	return func(s *Service) { s.requireTimestamp = required }
}

// NewService creates a Service around authority.
func NewService(authority *keys.Authority, opts ...Option) *Service {
	s := &Service{
		authority: authority,
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = signers.NewEngine(signers.WithClock(s.clock), signers.WithLogger(s.logger))
	}
	if s.embedder == nil {
		s.embedder = embed.NewEmbedder(embed.WithClock(s.clock), embed.WithLogger(s.logger))
	}
	if s.verifier == nil {
		s.verifier = validation.NewVerifier(validation.WithClock(s.clock), validation.WithLogger(s.logger))
	}
	return s
}

// NewServiceFromConfig wires every component from cfg around store. m may be
// nil.
func NewServiceFromConfig(cfg *config.AppConfig, store keys.CredentialStore, logger *zap.Logger, m *metrics.Metrics) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := clockwork.NewRealClock()

	authOpts := []keys.AuthorityOption{
		keys.WithClock(clock),
		keys.WithLogger(logger.Named("keys")),
		keys.WithKeyBits(cfg.Signing.KeyBits),
		keys.WithValidityDays(cfg.Signing.ValidityDays),
		keys.WithRenewBefore(cfg.Signing.RenewBefore),
		keys.WithIssueHook(m.CredentialIssued),
	}
	issuer := keys.DefaultIssuer(cfg.Signing.Platform)
	if cfg.Signing.Organization != "" {
		issuer.Organization = cfg.Signing.Organization
	}
	authOpts = append(authOpts, keys.WithIssuerIdentity(issuer))
	if cfg.Custody.Secret != "" {
		sealer, err := keys.NewSealer([]byte(cfg.Custody.Secret))
		if err != nil {
			return nil, err
		}
		authOpts = append(authOpts, keys.WithSealer(sealer))
	}
	authority := keys.NewAuthority(store, authOpts...)

	tsa := timestamps.NewClient(timestamps.Config{
		URL:               cfg.Timestamp.URL,
		Timeout:           cfg.Timestamp.TimeoutDuration(),
		Platform:          cfg.Signing.Platform,
		Username:          cfg.Timestamp.Username,
		Password:          cfg.Timestamp.Password,
		RequestsPerSecond: cfg.Timestamp.RequestsPerSecond,
	},
		timestamps.WithClientClock(clock),
		timestamps.WithClientLogger(logger.Named("timestamps")),
		timestamps.WithOutcomeHook(m.TimestampOutcome),
	)

	embedOpts := []embed.Option{
		embed.WithClock(clock),
		embed.WithLogger(logger.Named("embed")),
		embed.WithProducer(cfg.Signing.Platform),
	}
	if !cfg.Signing.VisualEnabled() {
		embedOpts = append(embedOpts, embed.WithoutVisual())
	}

	return NewService(authority,
		WithClock(clock),
		WithLogger(logger),
		WithMetrics(m),
		WithTimestampClient(tsa),
		WithRequiredTimestamp(cfg.Timestamp.Required),
		WithEngine(signers.NewEngine(signers.WithClock(clock), signers.WithLogger(logger.Named("signers")))),
		WithEmbedder(embed.NewEmbedder(embedOpts...)),
		WithVerifier(validation.NewVerifier(
			validation.WithClock(clock),
			validation.WithLogger(logger.Named("validation")),
			validation.WithResultHook(m.VerifyResult),
		)),
	), nil
}

// Authority returns the key authority.
func (s *Service) Authority() *keys.Authority { return s.authority }

func (s *Service) log(ctx context.Context) *zap.Logger {
	if l, ok := logging.Lookup(ctx); ok {
		return l
	}
	return s.logger
}

// Sign obtains the signer's credentials, signs document, optionally
// timestamps it and embeds the evidence.
func (s *Service) Sign(ctx context.Context, document []byte, signerID string, opts Options) (*SignedDocument, error) {
	start := s.clock.Now()
	out, err := s.sign(ctx, document, signerID, opts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.SignOutcome(outcome, s.clock.Since(start).Seconds())
	return out, err
}

func (s *Service) sign(ctx context.Context, document []byte, signerID string, opts Options) (*SignedDocument, error) {
	log := s.log(ctx).With(zap.String("signer_id", signerID))
	if len(document) == 0 {
		return nil, ErrEmptyDocument
	}
	opts.RequireTimestamp = opts.RequireTimestamp || s.requireTimestamp

	creds, err := s.authority.GetOrIssueCredentials(ctx, signerID, keys.Subject{
		CommonName:   opts.SignerName,
		Email:        opts.Email,
		Organization: opts.Organization,
	})
	if err != nil {
		return nil, err
	}

	sig, err := s.engine.SignWithCredentials(document, creds)
	if err != nil {
		return nil, err
	}

	ts, err := s.timestamp(ctx, log, document, opts)
	if err != nil {
		return nil, err
	}

	name := opts.SignerName
	if name == "" {
		name = creds.Certificate.Subject.CommonName
	}
	res, err := s.embedder.Embed(document, sig, ts, embed.Options{
		SignerName:  name,
		Reason:      opts.Reason,
		Location:    opts.Location,
		ContactInfo: opts.ContactInfo,
		Role:        opts.Role,
	})
	if err != nil {
		return nil, err
	}

	log.Info("document signed",
		zap.String("record_id", res.Record.ID),
		zap.String("role", res.Record.Role),
		zap.String("fingerprint", keys.ShortFingerprint(sig.CertificateFingerprint)),
		zap.Bool("timestamped", ts.Granted()),
	)
	return &SignedDocument{
		Document:    res.Document,
		Digest:      res.Digest,
		Signature:   sig,
		Timestamp:   ts,
		Certificate: creds.Certificate,
		Record:      res.Record,
	}, nil
}

func (s *Service) timestamp(ctx context.Context, log *zap.Logger, document []byte, opts Options) (*timestamps.Response, error) {
	if !opts.Timestamp && !opts.RequireTimestamp {
		return nil, nil
	}
	if s.tsa == nil {
		if opts.RequireTimestamp {
			return nil, fmt.Errorf("%w: no timestamp client configured", ErrTimestampRequired)
		}
		return nil, nil
	}

	ts, err := s.tsa.RequestTimestamp(ctx, document)
	var rejected *timestamps.TimestampRejectedError
	switch {
	case errors.As(err, &rejected):
		if opts.RequireTimestamp {
			return nil, fmt.Errorf("%w: %w", ErrTimestampRequired, err)
		}
		log.Warn("timestamp not granted, signing without it",
			zap.String("status", rejected.Status.String()),
			zap.String("status_string", rejected.StatusString),
		)
		return ts, nil
	case err != nil:
		return nil, err
	}
	if opts.RequireTimestamp && ts.Local {
		return nil, fmt.Errorf("%w: TSA unavailable, only a local token was issued", ErrTimestampRequired)
	}
	return ts, nil
}

// Verify checks the evidence embedded in document.
func (s *Service) Verify(ctx context.Context, document []byte) (*validation.Report, error) {
	report, err := s.verifier.Verify(document)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Debug("verification finished",
		zap.Bool("signed", report.Signed),
		zap.Bool("valid", report.Valid()),
	)
	return report, nil
}

// Certificate returns the signer's current certificate without issuing one.
func (s *Service) Certificate(ctx context.Context, signerID string) (*keys.SigningCertificate, error) {
	creds, err := s.authority.LoadCredentials(ctx, signerID)
	if err != nil {
		return nil, err
	}
	return creds.Certificate, nil
}

// Credentials returns the signer's credentials, issuing them when needed.
func (s *Service) Credentials(ctx context.Context, signerID string, subject keys.Subject) (*keys.Credentials, error) {
	return s.authority.GetOrIssueCredentials(ctx, signerID, subject)
}
