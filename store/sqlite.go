package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/georgepadayatti/docseal/keys"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS signer_credentials (
	signer_id   TEXT PRIMARY KEY,
	public_key  BLOB NOT NULL,
	private_key BLOB NOT NULL,
	algorithm   TEXT NOT NULL,
	bits        INTEGER NOT NULL,
	created_at  TEXT NOT NULL,
	certificate BLOB NOT NULL,
	valid_to    TEXT NOT NULL,
	updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// SQLite stores credentials in a single sqlite table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating when needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer keeps sqlite from reporting SQLITE_BUSY under concurrent issuance.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create signer_credentials")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) LoadCredentials(ctx context.Context, signerID string) (*keys.Credentials, error) {
	var (
		rec                record
		createdAt, validTo string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT signer_id, public_key, private_key, algorithm, bits, created_at, certificate, valid_to
		 FROM signer_credentials WHERE signer_id = ?`, signerID,
	).Scan(&rec.SignerID, &rec.PublicKeyPEM, &rec.PrivateKeyPEM, &rec.Algorithm, &rec.Bits, &createdAt, &rec.Certificate, &validTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(signerID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load credentials %s", signerID)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrapf(err, "created_at for %s", signerID)
	}
	if rec.ValidTo, err = time.Parse(time.RFC3339Nano, validTo); err != nil {
		return nil, errors.Wrapf(err, "valid_to for %s", signerID)
	}
	return rec.credentials()
}

func (s *SQLite) StoreCredentials(ctx context.Context, signerID string, creds *keys.Credentials) error {
	rec, err := toRecord(signerID, creds)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signer_credentials
		 (signer_id, public_key, private_key, algorithm, bits, created_at, certificate, valid_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(signer_id) DO UPDATE SET
		   public_key = excluded.public_key,
		   private_key = excluded.private_key,
		   algorithm = excluded.algorithm,
		   bits = excluded.bits,
		   created_at = excluded.created_at,
		   certificate = excluded.certificate,
		   valid_to = excluded.valid_to,
		   updated_at = CURRENT_TIMESTAMP`,
		rec.SignerID, rec.PublicKeyPEM, rec.PrivateKeyPEM, rec.Algorithm, rec.Bits,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.Certificate, rec.ValidTo.Format(time.RFC3339Nano),
	)
	return errors.Wrapf(err, "store credentials %s", signerID)
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLite) Close() error                   { return s.db.Close() }
