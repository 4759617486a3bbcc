// Package auth manages per-provider OAuth credentials: lazy refresh on use,
// de-duplication of concurrent refreshes, and terminal invalidation once a
// provider rejects a refresh token.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"calbook/internal/models"
	"calbook/internal/provider"
)

// expirySkew refreshes tokens slightly before their stated expiry so a token
// handed to an adapter does not lapse mid-request.
const expirySkew = time.Minute

// Endpoint is one provider's token endpoint plus the OAuth client keys used
// to authenticate the refresh exchange.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// CredentialStore persists credential mutations. Implemented by the store
// package.
type CredentialStore interface {
	UpdateCredentialKey(ctx context.Context, id int64, key models.TokenKey) error
	InvalidateCredential(ctx context.Context, id int64) error
}

// TokenStore returns valid access tokens for credentials, refreshing expired
// ones through the owning provider's token endpoint. A single in-flight
// refresh per credential is shared between concurrent callers so a reused
// refresh token is never presented twice.
type TokenStore struct {
	logger     *slog.Logger
	creds      CredentialStore
	endpoints  map[string]Endpoint
	httpClient *http.Client
	cache      *ttlcache.Cache[int64, string]
	group      singleflight.Group
	locks      sync.Map // credential ID -> *sync.Mutex
	now        func() time.Time
}

// credMu returns the mutex guarding the credential's mutable fields (Key,
// Invalid). The singleflight group de-duplicates the network exchange but
// does not serialize access to the shared struct; this does.
func (s *TokenStore) credMu(id int64) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// NewTokenStore creates a token store. endpoints maps provider slugs to their
// token endpoints; credentials for providers without an endpoint can still be
// used until their access token expires.
func NewTokenStore(logger *slog.Logger, creds CredentialStore, endpoints map[string]Endpoint) *TokenStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[int64, string](),
	)
	go cache.Start()

	return &TokenStore{
		logger:     logger,
		creds:      creds,
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      cache,
		now:        time.Now,
	}
}

// GetValidAccessToken returns the credential's access token, refreshing it
// first when it is expired or about to expire. An invalidated credential
// fails fast with ErrAuthExpired without touching the network.
func (s *TokenStore) GetValidAccessToken(ctx context.Context, cred *models.Credential) (string, error) {
	mu := s.credMu(cred.ID)
	mu.Lock()
	if cred.Invalid {
		mu.Unlock()
		return "", fmt.Errorf("credential %d for %s is invalid: %w", cred.ID, cred.Type, provider.ErrAuthExpired)
	}
	if item := s.cache.Get(cred.ID); item != nil {
		mu.Unlock()
		return item.Value(), nil
	}
	if s.now().Before(cred.Key.Expiry.Add(-expirySkew)) {
		token := cred.Key.AccessToken
		s.cacheToken(cred)
		mu.Unlock()
		return token, nil
	}
	mu.Unlock()

	return s.refresh(ctx, cred)
}

// ForceRefresh discards any cached token and performs a refresh regardless of
// the stored expiry. Adapters call this after a 401 on a token the store
// still considered valid.
func (s *TokenStore) ForceRefresh(ctx context.Context, cred *models.Credential) (string, error) {
	mu := s.credMu(cred.ID)
	mu.Lock()
	invalid := cred.Invalid
	mu.Unlock()
	if invalid {
		return "", fmt.Errorf("credential %d for %s is invalid: %w", cred.ID, cred.Type, provider.ErrAuthExpired)
	}
	s.cache.Delete(cred.ID)
	return s.refresh(ctx, cred)
}

// Invalidate marks the credential terminally invalid and drops its cached
// token. The row is kept for audit, never deleted.
func (s *TokenStore) Invalidate(ctx context.Context, cred *models.Credential) error {
	s.cache.Delete(cred.ID)
	mu := s.credMu(cred.ID)
	mu.Lock()
	cred.Invalid = true
	mu.Unlock()
	if err := s.creds.InvalidateCredential(ctx, cred.ID); err != nil {
		return fmt.Errorf("failed to invalidate credential %d: %w", cred.ID, err)
	}
	s.logger.Warn("Credential invalidated", "credentialID", cred.ID, "provider", cred.Type)
	return nil
}

// Close stops the cache's cleanup goroutine.
func (s *TokenStore) Close() {
	s.cache.Stop()
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers for the same credential share one network exchange.
func (s *TokenStore) refresh(ctx context.Context, cred *models.Credential) (string, error) {
	token, err, _ := s.group.Do(strconv.FormatInt(cred.ID, 10), func() (any, error) {
		return s.doRefresh(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *TokenStore) doRefresh(ctx context.Context, cred *models.Credential) (string, error) {
	endpoint, ok := s.endpoints[cred.Type]
	if !ok {
		return "", fmt.Errorf("no token endpoint configured for provider %s: %w", cred.Type, provider.ErrAuthExpired)
	}
	mu := s.credMu(cred.ID)
	mu.Lock()
	refreshToken := cred.Key.RefreshToken
	mu.Unlock()
	if refreshToken == "" {
		return "", fmt.Errorf("credential %d has no refresh token: %w", cred.ID, provider.ErrAuthExpired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.SetBasicAuth(endpoint.ClientID, endpoint.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh for credential %d: %w: %v", cred.ID, provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
		TokenType    string `json:"token_type"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("malformed token response (status %d): %w", resp.StatusCode, provider.ErrSchemaMismatch)
	}

	if parsed.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized {
		if ierr := s.Invalidate(ctx, cred); ierr != nil {
			s.logger.Error("Failed to persist credential invalidation", "credentialID", cred.ID, "error", ierr)
		}
		return "", fmt.Errorf("refresh token rejected for credential %d: %w", cred.ID, provider.ErrAuthExpired)
	}
	if resp.StatusCode != http.StatusOK || parsed.AccessToken == "" {
		return "", fmt.Errorf("token refresh for credential %d failed with status %d: %w", cred.ID, resp.StatusCode, provider.ErrUnavailable)
	}

	// Mutate the credential key in place so in-flight holders see the new
	// tokens; a missing refresh_token in the response keeps the old one.
	mu.Lock()
	cred.Key.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		cred.Key.RefreshToken = parsed.RefreshToken
	}
	cred.Key.Expiry = s.now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	if parsed.Scope != "" {
		cred.Key.Scope = parsed.Scope
	}
	if parsed.TokenType != "" {
		cred.Key.TokenType = parsed.TokenType
	}
	key := cred.Key
	s.cacheToken(cred)
	mu.Unlock()

	if err := s.creds.UpdateCredentialKey(ctx, cred.ID, key); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token for credential %d: %w", cred.ID, err)
	}

	s.logger.Debug("Refreshed access token", "credentialID", cred.ID, "provider", cred.Type, "expiry", key.Expiry)
	return key.AccessToken, nil
}

// cacheToken stores the access token until just before its expiry. Tokens on
// the edge of expiring are not cached. Callers hold the credential's mutex.
func (s *TokenStore) cacheToken(cred *models.Credential) {
	ttl := cred.Key.Expiry.Add(-expirySkew).Sub(s.now())
	if ttl <= 0 {
		return
	}
	s.cache.Set(cred.ID, cred.Key.AccessToken, ttl)
}
