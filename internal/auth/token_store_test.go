package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calbook/internal/models"
	"calbook/internal/provider"
)

type fakeCredentialStore struct {
	mu          sync.Mutex
	updated     []models.TokenKey
	invalidated []int64
}

func (f *fakeCredentialStore) UpdateCredentialKey(_ context.Context, _ int64, key models.TokenKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, key)
	return nil
}

func (f *fakeCredentialStore) InvalidateCredential(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
	return nil
}

func newTestStore(t *testing.T, tokenURL string) (*TokenStore, *fakeCredentialStore) {
	t.Helper()
	creds := &fakeCredentialStore{}
	store := NewTokenStore(slog.New(slog.NewTextHandler(io.Discard, nil)), creds, map[string]Endpoint{
		"zoom_video": {TokenURL: tokenURL, ClientID: "client", ClientSecret: "secret"},
	})
	t.Cleanup(store.Close)
	return store, creds
}

func expiredCredential() *models.Credential {
	return &models.Credential{
		ID:     1,
		UserID: 42,
		Type:   "zoom_video",
		Key: models.TokenKey{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			Expiry:       time.Now().Add(-time.Hour),
		},
	}
}

func TestGetValidAccessToken_ValidTokenSkipsNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint should not be called for a valid token")
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)
	cred := expiredCredential()
	cred.Key.Expiry = time.Now().Add(time.Hour)

	token, err := store.GetValidAccessToken(context.Background(), cred)
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "stale" {
		t.Errorf("expected stored token, got %q", token)
	}
}

func TestGetValidAccessToken_RefreshesExpiredToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			t.Errorf("expected basic auth with client keys, got %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm failed: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("expected grant_type refresh_token, got %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("expected refresh token refresh-1, got %q", got)
		}
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"refresh-2","expires_in":3600,"token_type":"bearer","scope":"meeting:write"}`)
	}))
	defer server.Close()

	store, creds := newTestStore(t, server.URL)
	cred := expiredCredential()

	token, err := store.GetValidAccessToken(context.Background(), cred)
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "fresh" {
		t.Errorf("expected refreshed token, got %q", token)
	}
	if cred.Key.RefreshToken != "refresh-2" {
		t.Errorf("expected rotated refresh token, got %q", cred.Key.RefreshToken)
	}
	if !cred.Key.Expiry.After(time.Now()) {
		t.Errorf("expected future expiry, got %v", cred.Key.Expiry)
	}
	if len(creds.updated) != 1 {
		t.Errorf("expected one persisted update, got %d", len(creds.updated))
	}
}

func TestGetValidAccessToken_DeduplicatesConcurrentRefreshes(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, `{"access_token":"fresh","expires_in":3600}`)
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)
	cred := expiredCredential()

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = store.GetValidAccessToken(context.Background(), cred)
		}(i)
	}
	// Give every caller time to reach the in-flight refresh before it
	// completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("expected exactly one refresh call, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if tokens[i] != "fresh" {
			t.Errorf("caller %d got token %q, want %q", i, tokens[i], "fresh")
		}
	}
}

func TestGetValidAccessToken_ConcurrentCallersDuringRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Keep the refresh in flight long enough for other callers to
		// overlap with the credential mutation.
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, `{"access_token":"fresh","refresh_token":"refresh-2","expires_in":3600}`)
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)
	cred := expiredCredential()

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				token, err := store.GetValidAccessToken(context.Background(), cred)
				if err != nil {
					t.Errorf("GetValidAccessToken failed: %v", err)
					return
				}
				if token != "fresh" {
					t.Errorf("expected refreshed token, got %q", token)
				}
			}
		}()
	}
	wg.Wait()

	if cred.Key.RefreshToken != "refresh-2" {
		t.Errorf("expected rotated refresh token, got %q", cred.Key.RefreshToken)
	}
}

func TestGetValidAccessToken_InvalidGrantInvalidatesCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer server.Close()

	store, creds := newTestStore(t, server.URL)
	cred := expiredCredential()

	_, err := store.GetValidAccessToken(context.Background(), cred)
	if !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if !cred.Invalid {
		t.Error("expected credential to be marked invalid")
	}
	if len(creds.invalidated) != 1 || creds.invalidated[0] != cred.ID {
		t.Errorf("expected invalidation persisted for credential %d, got %v", cred.ID, creds.invalidated)
	}

	// Terminal state: subsequent calls fail fast without another exchange.
	_, err = store.GetValidAccessToken(context.Background(), cred)
	if !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("expected fail-fast ErrAuthExpired, got %v", err)
	}
}

func TestGetValidAccessToken_ServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)
	cred := expiredCredential()

	_, err := store.GetValidAccessToken(context.Background(), cred)
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if cred.Invalid {
		t.Error("transient failure must not invalidate the credential")
	}
}

func TestForceRefresh_BypassesStoredExpiry(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"access_token":"fresh","expires_in":3600}`)
	}))
	defer server.Close()

	store, _ := newTestStore(t, server.URL)
	cred := expiredCredential()
	cred.Key.Expiry = time.Now().Add(time.Hour) // provider disagrees with our bookkeeping

	token, err := store.ForceRefresh(context.Background(), cred)
	if err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if token != "fresh" {
		t.Errorf("expected refreshed token, got %q", token)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one refresh call, got %d", hits.Load())
	}
}
