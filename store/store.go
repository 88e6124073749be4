// Package store persists signer credentials for the key authority.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/georgepadayatti/docseal/config"
	"github.com/georgepadayatti/docseal/keys"
)

// Store is a keys.CredentialStore with a lifecycle.
type Store interface {
	keys.CredentialStore
	Ping(ctx context.Context) error
	Close() error
}

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

// Open connects the store selected by cfg. When cfg.CacheTTL is positive the
// store is fronted by an in-memory read-through cache.
func Open(ctx context.Context, cfg *config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case config.DriverMemory, "":
		s = NewMemory()
	case config.DriverSQLite:
		s, err = OpenSQLite(ctx, cfg.DSN)
	case config.DriverPostgres:
		s, err = OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
	case config.DriverRedis:
		s, err = OpenRedis(ctx, cfg.DSN, cfg.KeyPrefix)
	default:
		return nil, errors.Wrap(ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("credential store ready",
		zap.String("driver", cfg.Driver),
		zap.Duration("cache_ttl", cfg.CacheTTL),
	)
	if cfg.CacheTTL > 0 && cfg.Driver != config.DriverMemory {
		s = NewCached(s, cfg.CacheTTL)
	}
	return s, nil
}

// record is the persisted shape of keys.Credentials. The certificate is kept
// as DER and re-parsed on load.
type record struct {
	SignerID      string    `json:"signerId"`
	PublicKeyPEM  []byte    `json:"publicKey"`
	PrivateKeyPEM []byte    `json:"privateKey"`
	Algorithm     string    `json:"algorithm"`
	Bits          int       `json:"bits"`
	CreatedAt     time.Time `json:"createdAt"`
	Certificate   []byte    `json:"certificate"`
	ValidTo       time.Time `json:"validTo"`
}

func toRecord(signerID string, creds *keys.Credentials) (*record, error) {
	if creds == nil || creds.KeyPair == nil || creds.Certificate == nil {
		return nil, errors.Errorf("incomplete credentials for %s", signerID)
	}
	return &record{
		SignerID:      signerID,
		PublicKeyPEM:  creds.KeyPair.PublicKeyPEM,
		PrivateKeyPEM: creds.KeyPair.PrivateKeyPEM,
		Algorithm:     creds.KeyPair.Algorithm,
		Bits:          creds.KeyPair.Bits,
		CreatedAt:     creds.KeyPair.CreatedAt.UTC(),
		Certificate:   creds.Certificate.Raw,
		ValidTo:       creds.Certificate.ValidTo.UTC(),
	}, nil
}

func (r *record) credentials() (*keys.Credentials, error) {
	cert, err := keys.ParseSigningCertificate(r.Certificate)
	if err != nil {
		return nil, errors.Wrapf(err, "stored certificate for %s", r.SignerID)
	}
	return &keys.Credentials{
		SignerID: r.SignerID,
		KeyPair: &keys.KeyPair{
			PublicKeyPEM:  r.PublicKeyPEM,
			PrivateKeyPEM: r.PrivateKeyPEM,
			Algorithm:     r.Algorithm,
			Bits:          r.Bits,
			CreatedAt:     r.CreatedAt,
		},
		Certificate: cert,
	}, nil
}

func notFound(signerID string) error {
	return errors.Wrapf(keys.ErrCredentialsNotFound, "signer %s", signerID)
}
