package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickcook28/tradestation-server-sub000/internal/port/driven"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]driven.CredentialRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]driven.CredentialRecord)}
}

func (s *memStore) Get(_ context.Context, userID string) (driven.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return driven.CredentialRecord{}, driven.ErrCredentialNotFound
	}
	return r, nil
}

func (s *memStore) Put(_ context.Context, record driven.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.UserID] = record
	return nil
}

func (s *memStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}

func testKey() []byte {
	k := make([]byte, 32)
	_, _ = rand.Read(k)
	return k
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*TradeStationProvider, *memStore) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := newMemStore()
	p, err := NewTradeStationProvider(store, server.URL, "client-id", "client-secret", testKey(), nil)
	if err != nil {
		t.Fatalf("NewTradeStationProvider: %v", err)
	}
	return p, store
}

func TestGetToken_RefreshesExpired(t *testing.T) {
	var calls int64
	p, store := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":1200}`))
	})

	ctx := context.Background()
	if err := p.StoreInitialCredential(ctx, "user-1", "old-access", "old-refresh", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("StoreInitialCredential: %v", err)
	}

	tok, err := p.GetToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Errorf("expected refreshed access token, got %q", tok.AccessToken)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", calls)
	}

	rec, _ := store.Get(ctx, "user-1")
	if rec.ExpiresAt.Before(time.Now().Add(19 * time.Minute)) {
		t.Errorf("expected persisted expiry roughly 20m out, got %v", rec.ExpiresAt)
	}
}

func TestGetToken_ValidTokenSkipsRefresh(t *testing.T) {
	var calls int64
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{"access_token":"should-not-be-used","expires_in":1200}`))
	})

	ctx := context.Background()
	if err := p.StoreInitialCredential(ctx, "user-1", "still-good", "refresh", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("StoreInitialCredential: %v", err)
	}

	tok, err := p.GetToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "still-good" {
		t.Errorf("expected cached token, got %q", tok.AccessToken)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Errorf("expected no upstream call, got %d", calls)
	}
}

func TestRefresh_SingleFlightCoalesces(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		<-release
		w.Write([]byte(`{"access_token":"coalesced","refresh_token":"r2","expires_in":1200}`))
	})

	ctx := context.Background()
	if err := p.StoreInitialCredential(ctx, "user-1", "a", "r1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("StoreInitialCredential: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]Token, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Refresh(ctx, "user-1")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Refresh[%d]: %v", i, err)
		}
		if results[i].AccessToken != "coalesced" {
			t.Errorf("Refresh[%d]: expected coalesced token, got %q", i, results[i].AccessToken)
		}
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected exactly 1 upstream call across 5 concurrent refreshes, got %d", calls)
	}
}

func TestRefresh_TerminalFailurePurgesCredential(t *testing.T) {
	p, store := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token is invalid for this client"}`))
	})

	ctx := context.Background()
	if err := p.StoreInitialCredential(ctx, "user-1", "a", "r1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("StoreInitialCredential: %v", err)
	}

	_, err := p.Refresh(ctx, "user-1")
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	if _, err := store.Get(ctx, "user-1"); !errors.Is(err, driven.ErrCredentialNotFound) {
		t.Errorf("expected credential to be purged, got err=%v", err)
	}
}

func TestRefresh_SendsJSONGrant(t *testing.T) {
	var gotBody refreshRequest
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected Content-Type application/json, got %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"access_token":"x","refresh_token":"y","expires_in":1200}`))
	})

	ctx := context.Background()
	if err := p.StoreInitialCredential(ctx, "user-1", "a", "r1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("StoreInitialCredential: %v", err)
	}
	if _, err := p.Refresh(ctx, "user-1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if gotBody.GrantType != "refresh_token" {
		t.Errorf("expected grant_type=refresh_token, got %q", gotBody.GrantType)
	}
	if gotBody.RefreshToken != "r1" {
		t.Errorf("expected refresh_token=r1, got %q", gotBody.RefreshToken)
	}
}
