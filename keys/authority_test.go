package keys

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type mapStore struct {
	mu     sync.Mutex
	data   map[string]*Credentials
	stores int32
	failOn error
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string]*Credentials)}
}

func (s *mapStore) LoadCredentials(_ context.Context, signerID string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil {
		return nil, s.failOn
	}
	c, ok := s.data[signerID]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return c, nil
}

func (s *mapStore) StoreCredentials(_ context.Context, signerID string, creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddInt32(&s.stores, 1)
	s.data[signerID] = creds
	return nil
}

func TestAuthority_GetOrIssueCredentials(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	store := newMapStore()
	var issued []bool
	a := NewAuthority(store,
		WithClock(clock),
		WithValidityDays(10),
		WithIssueHook(func(_ string, renewal bool) { issued = append(issued, renewal) }),
	)
	ctx := context.Background()

	first, err := a.GetOrIssueCredentials(ctx, "arb-1", Subject{CommonName: "Ada Arbiter"})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	if first.Certificate.Subject.CommonName != "Ada Arbiter" {
		t.Errorf("CommonName = %s", first.Certificate.Subject.CommonName)
	}

	clock.Advance(24 * time.Hour)
	second, err := a.GetOrIssueCredentials(ctx, "arb-1", Subject{CommonName: "ignored"})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	if second.Certificate.Fingerprint() != first.Certificate.Fingerprint() {
		t.Error("expected cached credentials to be returned")
	}

	clock.Advance(10 * 24 * time.Hour)
	renewed, err := a.GetOrIssueCredentials(ctx, "arb-1", Subject{CommonName: "Ada Arbiter"})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	if renewed.Certificate.Fingerprint() == first.Certificate.Fingerprint() {
		t.Error("expected new certificate after expiry")
	}
	if string(renewed.KeyPair.PublicKeyPEM) == string(first.KeyPair.PublicKeyPEM) {
		t.Error("renewal must generate a new key pair")
	}
	if !renewed.Certificate.ValidAt(clock.Now()) {
		t.Error("renewed certificate not valid now")
	}

	if len(issued) != 2 || issued[0] || !issued[1] {
		t.Errorf("issue hook calls = %v", issued)
	}
}

func TestAuthority_SignerIDFallback(t *testing.T) {
	a := NewAuthority(newMapStore())
	creds, err := a.GetOrIssueCredentials(context.Background(), "signer-42", Subject{})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	if creds.Certificate.Subject.CommonName != "signer-42" {
		t.Errorf("CommonName = %s", creds.Certificate.Subject.CommonName)
	}

	if _, err := a.GetOrIssueCredentials(context.Background(), "", Subject{}); !errors.Is(err, ErrSignerIDRequired) {
		t.Errorf("Expected ErrSignerIDRequired, got %v", err)
	}
}

func TestAuthority_ExclusivePerSigner(t *testing.T) {
	store := newMapStore()
	a := NewAuthority(store)
	ctx := context.Background()

	const callers = 8
	fps := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := a.GetOrIssueCredentials(ctx, "concurrent", Subject{CommonName: "Concurrent"})
			if err != nil {
				t.Errorf("GetOrIssueCredentials failed: %v", err)
				return
			}
			fps[i] = creds.Certificate.Fingerprint()
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if fps[i] != fps[0] {
			t.Fatalf("caller %d got divergent credentials", i)
		}
	}
	if n := atomic.LoadInt32(&store.stores); n != 1 {
		t.Errorf("expected exactly one store, got %d", n)
	}
}

func TestAuthority_StoreFailure(t *testing.T) {
	store := newMapStore()
	boom := errors.New("database down")
	store.failOn = boom

	a := NewAuthority(store)
	_, err := a.GetOrIssueCredentials(context.Background(), "x", Subject{})
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped store error, got %v", err)
	}
}

func TestAuthority_Renew(t *testing.T) {
	a := NewAuthority(newMapStore())
	ctx := context.Background()

	first, err := a.GetOrIssueCredentials(ctx, "r", Subject{})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	second, err := a.Renew(ctx, "r", Subject{})
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if first.Certificate.Fingerprint() == second.Certificate.Fingerprint() {
		t.Error("Renew returned the old certificate")
	}
	loaded, err := a.LoadCredentials(ctx, "r")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if loaded.Certificate.Fingerprint() != second.Certificate.Fingerprint() {
		t.Error("store does not hold the renewed credentials")
	}
}

func TestAuthority_ReissuesMismatchedCredentials(t *testing.T) {
	store := newMapStore()
	a := NewAuthority(store)
	ctx := context.Background()

	good, err := a.GetOrIssueCredentials(ctx, "m", Subject{})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}

	other, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	store.data["m"] = &Credentials{SignerID: "m", KeyPair: other, Certificate: good.Certificate}

	fixed, err := a.GetOrIssueCredentials(ctx, "m", Subject{})
	if err != nil {
		t.Fatalf("GetOrIssueCredentials failed: %v", err)
	}
	if fixed.Certificate.Fingerprint() == good.Certificate.Fingerprint() {
		t.Error("mismatched credentials should have been replaced")
	}
}
