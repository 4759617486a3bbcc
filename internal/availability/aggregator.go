// Package availability computes a user's free/busy view: it aggregates busy
// intervals from the local booking store and every connected provider, then
// subtracts them from the user's declared schedule to produce bookable slots.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"calbook/internal/models"
	"calbook/internal/provider"
)

// BookingSource is the slice of the local store the aggregator reads.
type BookingSource interface {
	AcceptedBusyTimes(ctx context.Context, userID, eventTypeID int64, start, end time.Time) ([]models.EventBusyDate, error)
}

// BusyTimesParams scopes one aggregation call.
type BusyTimesParams struct {
	Credentials       []*models.Credential
	UserID            int64
	EventTypeID       int64 // 0 when not scoped to an event type
	Start             time.Time
	End               time.Time
	SelectedCalendars []models.SelectedCalendar
}

// Aggregator fans out busy-time lookups across the local store and all
// configured provider adapters.
type Aggregator struct {
	logger         *slog.Logger
	store          BookingSource
	registry       *provider.Registry
	adapterTimeout time.Duration
}

func NewAggregator(logger *slog.Logger, store BookingSource, registry *provider.Registry, adapterTimeout time.Duration) *Aggregator {
	return &Aggregator{
		logger:         logger,
		store:          store,
		registry:       registry,
		adapterTimeout: adapterTimeout,
	}
}

// BusyTimes merges local bookings with busy intervals from every supplied
// credential's provider.
//
// The local store is load-bearing for correctness, so its query is strict and
// its failure fails the whole call. Provider sources are best-effort
// enrichment: they run concurrently, each bounded by the adapter timeout, and
// a failing provider contributes nothing instead of blocking the rest.
//
// The result is a concatenation, unordered across sources and not
// deduplicated; callers doing slot resolution handle overlaps.
func (a *Aggregator) BusyTimes(ctx context.Context, params BusyTimesParams) ([]models.EventBusyDate, error) {
	busy, err := a.store.AcceptedBusyTimes(ctx, params.UserID, params.EventTypeID, params.Start, params.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load local busy times: %w", err)
	}

	if len(params.Credentials) == 0 {
		return busy, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]models.EventBusyDate, len(params.Credentials))
	for i, cred := range params.Credentials {
		i, cred := i, cred
		adapter, err := a.registry.ForCredential(cred)
		if err != nil {
			a.logger.Warn("Skipping credential with no adapter", "credentialID", cred.ID, "provider", cred.Type)
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, a.adapterTimeout)
			defer cancel()
			results[i] = adapter.GetBusyIntervals(callCtx, cred, params.Start, params.End, params.SelectedCalendars)
			return nil
		})
	}
	// Adapters degrade internally and never return an error, so Wait only
	// propagates context cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		busy = append(busy, r...)
	}
	return busy, nil
}
