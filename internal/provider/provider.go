// Package provider defines the uniform contract every external calendar or
// video integration implements, together with the error taxonomy shared by
// the adapters and their callers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbook/internal/models"
)

// Error kinds. Adapters wrap provider failures with one of these sentinels so
// callers can branch with errors.Is without knowing wire details.
var (
	// ErrAuthExpired means the provider rejected the credential's refresh
	// token. The credential has been marked invalid; retrying is pointless.
	ErrAuthExpired = errors.New("provider: credential expired or revoked")

	// ErrUnavailable is a transient network or 5xx failure. Reads degrade on
	// it; mutations surface it to the caller as retryable.
	ErrUnavailable = errors.New("provider: temporarily unavailable")

	// ErrRejected is a permanent client-side rejection (4xx other than an
	// auth failure). Retrying the same request is pointless.
	ErrRejected = errors.New("provider: request rejected")

	// ErrSchemaMismatch means the provider's response did not match the
	// expected shape. Mutations never guess at a malformed acknowledgment.
	ErrSchemaMismatch = errors.New("provider: unexpected response shape")
)

// TokenSource supplies valid access tokens for credentials. Implemented by
// the auth package; adapters call it before every request.
type TokenSource interface {
	// GetValidAccessToken returns the stored token, refreshing it first if
	// expired. Fails fast with ErrAuthExpired for invalidated credentials.
	GetValidAccessToken(ctx context.Context, cred *models.Credential) (string, error)
	// ForceRefresh discards the stored access token and refreshes
	// unconditionally. Used after a provider returns 401 for a token the
	// store still considered valid.
	ForceRefresh(ctx context.Context, cred *models.Credential) (string, error)
	// Invalidate marks the credential terminally invalid.
	Invalidate(ctx context.Context, cred *models.Credential) error
}

// Adapter is the uniform capability set of one external provider.
//
// GetBusyIntervals is deliberately infallible: a misbehaving provider must
// never block availability computation for the other sources, so adapter
// failures on the read path are logged and degrade to an empty list. Mutation
// failures always propagate so local state can be reconciled.
type Adapter interface {
	Slug() string
	GetBusyIntervals(ctx context.Context, cred *models.Credential, start, end time.Time, selected []models.SelectedCalendar) []models.EventBusyDate
	CreateMeeting(ctx context.Context, cred *models.Credential, event *models.CalendarEvent) (*models.BookingReference, error)
	UpdateMeeting(ctx context.Context, cred *models.Credential, ref *models.BookingReference, event *models.CalendarEvent) (*models.BookingReference, error)
	DeleteMeeting(ctx context.Context, cred *models.Credential, ref *models.BookingReference) error
}

// Registry maps provider slugs to adapters. It is populated once at startup
// and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Slug()] = a
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Slug()] = a
}

// Get returns the adapter registered for the slug.
func (r *Registry) Get(slug string) (Adapter, error) {
	a, ok := r.adapters[slug]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", slug)
	}
	return a, nil
}

// ForCredential resolves the adapter that serves the credential's provider.
func (r *Registry) ForCredential(cred *models.Credential) (Adapter, error) {
	return r.Get(cred.Type)
}
