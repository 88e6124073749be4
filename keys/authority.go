package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Authority errors
var (
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrSignerIDRequired    = errors.New("signer id is required")
)

// Credentials bind a signer to its key pair and certificate.
type Credentials struct {
	SignerID    string
	KeyPair     *KeyPair
	Certificate *SigningCertificate
}

// CredentialStore persists signer credentials. LoadCredentials returns
// ErrCredentialsNotFound when nothing is stored; StoreCredentials replaces any
// existing record for the signer.
type CredentialStore interface {
	LoadCredentials(ctx context.Context, signerID string) (*Credentials, error)
	StoreCredentials(ctx context.Context, signerID string, creds *Credentials) error
}

// Authority hands out signer credentials, issuing them on first use and after
// expiry. At most one issuance runs per signer at a time.
type Authority struct {
	store        CredentialStore
	clock        clockwork.Clock
	logger       *zap.Logger
	keyBits      int
	validityDays int
	issuer       Issuer
	renewBefore  time.Duration
	onIssue      func(signerID string, renewal bool)

	group singleflight.Group
	locks sync.Map
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithClock sets the clock used for validity decisions.
func WithClock(c clockwork.Clock) AuthorityOption {
	return func(a *Authority) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) AuthorityOption {
	return func(a *Authority) { a.logger = l }
}

// WithKeyBits sets the RSA modulus size for new key pairs.
func WithKeyBits(bits int) AuthorityOption {
	return func(a *Authority) { a.keyBits = bits }
}

// WithValidityDays sets the lifetime of new certificates.
func WithValidityDays(days int) AuthorityOption {
	return func(a *Authority) { a.validityDays = days }
}

// WithIssuerIdentity sets the issuer name written into new certificates.
func WithIssuerIdentity(issuer Issuer) AuthorityOption {
	return func(a *Authority) { a.issuer = issuer }
}

// WithRenewBefore renews credentials that expire within d.
func WithRenewBefore(d time.Duration) AuthorityOption {
	return func(a *Authority) { a.renewBefore = d }
}

// WithSealer seals private keys before they reach the store.
func WithSealer(s *Sealer) AuthorityOption {
	return func(a *Authority) {
		if s != nil {
			a.store = &sealingStore{inner: a.store, sealer: s}
		}
	}
}

// WithIssueHook registers a callback invoked after each successful issuance.
func WithIssueHook(fn func(signerID string, renewal bool)) AuthorityOption {
	return func(a *Authority) { a.onIssue = fn }
}

// NewAuthority creates an authority backed by store.
func NewAuthority(store CredentialStore, opts ...AuthorityOption) *Authority {
	a := &Authority{
		store:        store,
		clock:        clockwork.NewRealClock(),
		logger:       zap.NewNop(),
		keyBits:      DefaultKeyBits,
		validityDays: DefaultValidityDays,
		issuer:       DefaultIssuer("DocSeal"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetOrIssueCredentials returns the signer's stored credentials while their
// certificate is still valid, and otherwise generates, issues and persists new
// ones. subject is only consulted when issuing; an empty common name falls
// back to the signer id.
func (a *Authority) GetOrIssueCredentials(ctx context.Context, signerID string, subject Subject) (*Credentials, error) {
	if signerID == "" {
		return nil, ErrSignerIDRequired
	}

	v, err, _ := a.group.Do(signerID, func() (interface{}, error) {
		unlock := a.lock(signerID)
		defer unlock()

		creds, err := a.store.LoadCredentials(ctx, signerID)
		switch {
		case err == nil:
			if a.usable(creds) {
				return creds, nil
			}
			return a.issueLocked(ctx, signerID, subject, true)
		case errors.Is(err, ErrCredentialsNotFound):
			return a.issueLocked(ctx, signerID, subject, false)
		default:
			return nil, fmt.Errorf("failed to load credentials for %s: %w", signerID, err)
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

// Renew unconditionally replaces the signer's credentials with a new key pair
// and certificate.
func (a *Authority) Renew(ctx context.Context, signerID string, subject Subject) (*Credentials, error) {
	if signerID == "" {
		return nil, ErrSignerIDRequired
	}
	unlock := a.lock(signerID)
	defer unlock()
	return a.issueLocked(ctx, signerID, subject, true)
}

// LoadCredentials returns stored credentials without issuing.
func (a *Authority) LoadCredentials(ctx context.Context, signerID string) (*Credentials, error) {
	if signerID == "" {
		return nil, ErrSignerIDRequired
	}
	return a.store.LoadCredentials(ctx, signerID)
}

func (a *Authority) lock(signerID string) func() {
	v, _ := a.locks.LoadOrStore(signerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (a *Authority) usable(creds *Credentials) bool {
	if creds == nil || creds.KeyPair == nil || creds.Certificate == nil {
		return false
	}
	now := a.clock.Now()
	if !creds.Certificate.ValidAt(now) || !creds.Certificate.ValidTo.After(now.Add(a.renewBefore)) {
		return false
	}

	cert, err := creds.Certificate.X509()
	if err != nil {
		a.logger.Warn("stored certificate does not parse", zap.String("signer_id", creds.SignerID), zap.Error(err))
		return false
	}
	key, err := creds.KeyPair.PrivateKey()
	if err != nil {
		a.logger.Warn("stored private key does not decode", zap.String("signer_id", creds.SignerID), zap.Error(err))
		return false
	}
	if !PublicKeysEqual(cert, key) {
		a.logger.Warn("stored key pair does not match certificate", zap.String("signer_id", creds.SignerID))
		return false
	}
	return true
}

func (a *Authority) issueLocked(ctx context.Context, signerID string, subject Subject, renewal bool) (*Credentials, error) {
	if subject.CommonName == "" {
		subject.CommonName = signerID
	}
	now := a.clock.Now()

	kp, err := generateKeyPair(a.keyBits, now)
	if err != nil {
		return nil, err
	}
	cert, err := IssueCertificate(kp, subject, a.validityDays,
		WithIssuer(a.issuer),
		WithIssueTime(now),
	)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{SignerID: signerID, KeyPair: kp, Certificate: cert}
	if err := a.store.StoreCredentials(ctx, signerID, creds); err != nil {
		return nil, fmt.Errorf("failed to store credentials for %s: %w", signerID, err)
	}

	a.logger.Info("issued signer credentials",
		zap.String("signer_id", signerID),
		zap.String("fingerprint", cert.Fingerprint()),
		zap.Int("key_bits", kp.Bits),
		zap.Time("valid_to", cert.ValidTo),
		zap.Bool("renewal", renewal),
	)
	if a.onIssue != nil {
		a.onIssue(signerID, renewal)
	}
	return creds, nil
}
