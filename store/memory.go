package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/georgepadayatti/docseal/keys"
)

// Memory keeps credentials in process. Entries never expire.
type Memory struct{ c *gocache.Cache }

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{c: gocache.New(gocache.NoExpiration, 0)}
}

func (m *Memory) LoadCredentials(_ context.Context, signerID string) (*keys.Credentials, error) {
	v, ok := m.c.Get(signerID)
	if !ok {
		return nil, notFound(signerID)
	}
	return v.(*record).credentials()
}

func (m *Memory) StoreCredentials(_ context.Context, signerID string, creds *keys.Credentials) error {
	rec, err := toRecord(signerID, creds)
	if err != nil {
		return err
	}
	m.c.Set(signerID, rec, gocache.NoExpiration)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// Cached fronts a Store with a TTL cache. Writes go through to the backing
// store and then refresh the cache; misses are not cached.
type Cached struct {
	inner Store
	c     *gocache.Cache
}

// NewCached wraps inner with a cache whose entries live for ttl.
func NewCached(inner Store, ttl time.Duration) *Cached {
	return &Cached{inner: inner, c: gocache.New(ttl, 2*ttl)}
}

func (s *Cached) LoadCredentials(ctx context.Context, signerID string) (*keys.Credentials, error) {
	if v, ok := s.c.Get(signerID); ok {
		return v.(*keys.Credentials), nil
	}
	creds, err := s.inner.LoadCredentials(ctx, signerID)
	if err != nil {
		return nil, err
	}
	s.c.SetDefault(signerID, creds)
	return creds, nil
}

func (s *Cached) StoreCredentials(ctx context.Context, signerID string, creds *keys.Credentials) error {
	if err := s.inner.StoreCredentials(ctx, signerID, creds); err != nil {
		s.c.Delete(signerID)
		return err
	}
	s.c.SetDefault(signerID, creds)
	return nil
}

func (s *Cached) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *Cached) Close() error {
	s.c.Flush()
	return s.inner.Close()
}
