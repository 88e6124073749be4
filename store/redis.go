package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	rdb "github.com/redis/go-redis/v9"

	"github.com/georgepadayatti/docseal/keys"
)

// Redis stores each signer's credentials as a JSON value under prefix+signerID.
type Redis struct {
	c      *rdb.Client
	prefix string
}

// OpenRedis connects to the redis URL (redis://host:port/db).
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := rdb.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	s := NewRedis(rdb.NewClient(opts), prefix)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewRedis wraps an existing client.
func NewRedis(c *rdb.Client, prefix string) *Redis {
	return &Redis{c: c, prefix: prefix}
}

func (s *Redis) LoadCredentials(ctx context.Context, signerID string) (*keys.Credentials, error) {
	b, err := s.c.Get(ctx, s.prefix+signerID).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, notFound(signerID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load credentials %s", signerID)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrapf(err, "decode credentials %s", signerID)
	}
	return rec.credentials()
}

func (s *Redis) StoreCredentials(ctx context.Context, signerID string, creds *keys.Credentials) error {
	rec, err := toRecord(signerID, creds)
	if err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode credentials %s", signerID)
	}
	return errors.Wrapf(s.c.Set(ctx, s.prefix+signerID, b, 0).Err(), "store credentials %s", signerID)
}

func (s *Redis) Ping(ctx context.Context) error {
	return errors.Wrap(s.c.Ping(ctx).Err(), "ping redis")
}

func (s *Redis) Close() error { return s.c.Close() }
