package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/georgepadayatti/docseal/keys"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS signer_credentials (
	signer_id   TEXT PRIMARY KEY,
	public_key  BYTEA NOT NULL,
	private_key BYTEA NOT NULL,
	algorithm   TEXT NOT NULL,
	bits        INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	certificate BYTEA NOT NULL,
	valid_to    TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres stores credentials through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create signer_credentials")
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) LoadCredentials(ctx context.Context, signerID string) (*keys.Credentials, error) {
	var rec record
	err := s.pool.QueryRow(ctx,
		`SELECT signer_id, public_key, private_key, algorithm, bits, created_at, certificate, valid_to
		 FROM signer_credentials WHERE signer_id = $1`, signerID,
	).Scan(&rec.SignerID, &rec.PublicKeyPEM, &rec.PrivateKeyPEM, &rec.Algorithm, &rec.Bits, &rec.CreatedAt, &rec.Certificate, &rec.ValidTo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(signerID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load credentials %s", signerID)
	}
	return rec.credentials()
}

func (s *Postgres) StoreCredentials(ctx context.Context, signerID string, creds *keys.Credentials) error {
	rec, err := toRecord(signerID, creds)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO signer_credentials
		 (signer_id, public_key, private_key, algorithm, bits, created_at, certificate, valid_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (signer_id) DO UPDATE SET
		   public_key = EXCLUDED.public_key,
		   private_key = EXCLUDED.private_key,
		   algorithm = EXCLUDED.algorithm,
		   bits = EXCLUDED.bits,
		   created_at = EXCLUDED.created_at,
		   certificate = EXCLUDED.certificate,
		   valid_to = EXCLUDED.valid_to,
		   updated_at = now()`,
		rec.SignerID, rec.PublicKeyPEM, rec.PrivateKeyPEM, rec.Algorithm, rec.Bits,
		rec.CreatedAt, rec.Certificate, rec.ValidTo,
	)
	return errors.Wrapf(err, "store credentials %s", signerID)
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
