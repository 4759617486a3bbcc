package availability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"calbook/internal/models"
	"calbook/internal/provider"
)

type fakeBookingSource struct {
	busy []models.EventBusyDate
	err  error
}

func (f *fakeBookingSource) AcceptedBusyTimes(_ context.Context, _, _ int64, _, _ time.Time) ([]models.EventBusyDate, error) {
	return f.busy, f.err
}

// fakeAdapter degrades like real adapters: fail==true yields an empty list.
type fakeAdapter struct {
	slug string
	busy []models.EventBusyDate
	fail bool
}

func (f *fakeAdapter) Slug() string { return f.slug }

func (f *fakeAdapter) GetBusyIntervals(_ context.Context, _ *models.Credential, _, _ time.Time, _ []models.SelectedCalendar) []models.EventBusyDate {
	if f.fail {
		return nil
	}
	return f.busy
}

func (f *fakeAdapter) CreateMeeting(_ context.Context, _ *models.Credential, _ *models.CalendarEvent) (*models.BookingReference, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) UpdateMeeting(_ context.Context, _ *models.Credential, _ *models.BookingReference, _ *models.CalendarEvent) (*models.BookingReference, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) DeleteMeeting(_ context.Context, _ *models.Credential, _ *models.BookingReference) error {
	return errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func interval(start, end string) models.EventBusyDate {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		panic(err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		panic(err)
	}
	return models.EventBusyDate{Start: s, End: e}
}

func containsInterval(busy []models.EventBusyDate, want models.EventBusyDate) bool {
	for _, b := range busy {
		if b.Start.Equal(want.Start) && b.End.Equal(want.End) {
			return true
		}
	}
	return false
}

func TestBusyTimes_EmptyCredentialsReturnsLocalOnly(t *testing.T) {
	local := []models.EventBusyDate{interval("2024-01-10T09:00:00Z", "2024-01-10T09:30:00Z")}
	agg := NewAggregator(testLogger(), &fakeBookingSource{busy: local},
		provider.NewRegistry(&fakeAdapter{slug: "zoom_video", busy: []models.EventBusyDate{interval("2024-01-10T10:00:00Z", "2024-01-10T10:30:00Z")}}),
		time.Second)

	busy, err := agg.BusyTimes(context.Background(), BusyTimesParams{
		UserID: 7,
		Start:  time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("BusyTimes failed: %v", err)
	}
	if len(busy) != 1 || !containsInterval(busy, local[0]) {
		t.Errorf("expected exactly the local busy list, got %+v", busy)
	}
}

func TestBusyTimes_MergesLocalAndProviderIntervals(t *testing.T) {
	local := interval("2024-01-10T09:00:00Z", "2024-01-10T09:30:00Z")
	remote := interval("2024-01-10T10:00:00Z", "2024-01-10T10:30:00Z")

	agg := NewAggregator(testLogger(), &fakeBookingSource{busy: []models.EventBusyDate{local}},
		provider.NewRegistry(&fakeAdapter{slug: "zoom_video", busy: []models.EventBusyDate{remote}}),
		time.Second)

	busy, err := agg.BusyTimes(context.Background(), BusyTimesParams{
		UserID:      7,
		Credentials: []*models.Credential{{ID: 1, Type: "zoom_video"}},
		Start:       time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("BusyTimes failed: %v", err)
	}
	if len(busy) != 2 {
		t.Fatalf("expected exactly 2 intervals, got %d: %+v", len(busy), busy)
	}
	if !containsInterval(busy, local) || !containsInterval(busy, remote) {
		t.Errorf("expected both intervals order-independent, got %+v", busy)
	}
}

func TestBusyTimes_OneFailingProviderDoesNotBlockOthers(t *testing.T) {
	healthy := interval("2024-01-10T14:00:00Z", "2024-01-10T15:00:00Z")
	agg := NewAggregator(testLogger(), &fakeBookingSource{},
		provider.NewRegistry(
			&fakeAdapter{slug: "zoom_video", fail: true},
			&fakeAdapter{slug: "google_calendar", busy: []models.EventBusyDate{healthy}},
		),
		time.Second)

	busy, err := agg.BusyTimes(context.Background(), BusyTimesParams{
		UserID: 7,
		Credentials: []*models.Credential{
			{ID: 1, Type: "zoom_video"},
			{ID: 2, Type: "google_calendar"},
		},
		Start: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("no error may escape on partial provider failure, got %v", err)
	}
	if len(busy) != 1 || !containsInterval(busy, healthy) {
		t.Errorf("expected the healthy provider's intervals, got %+v", busy)
	}
}

func TestBusyTimes_LocalStoreFailurePropagates(t *testing.T) {
	agg := NewAggregator(testLogger(), &fakeBookingSource{err: errors.New("disk gone")},
		provider.NewRegistry(), time.Second)

	_, err := agg.BusyTimes(context.Background(), BusyTimesParams{UserID: 7})
	if err == nil {
		t.Fatal("expected local store failure to propagate")
	}
}

func TestBusyTimes_UnknownProviderIsSkipped(t *testing.T) {
	local := interval("2024-01-10T09:00:00Z", "2024-01-10T09:30:00Z")
	agg := NewAggregator(testLogger(), &fakeBookingSource{busy: []models.EventBusyDate{local}},
		provider.NewRegistry(), time.Second)

	busy, err := agg.BusyTimes(context.Background(), BusyTimesParams{
		UserID:      7,
		Credentials: []*models.Credential{{ID: 1, Type: "unconfigured"}},
	})
	if err != nil {
		t.Fatalf("BusyTimes failed: %v", err)
	}
	if len(busy) != 1 {
		t.Errorf("expected only local intervals, got %+v", busy)
	}
}

func TestBusyTimes_IntervalInvariant(t *testing.T) {
	agg := NewAggregator(testLogger(), &fakeBookingSource{busy: []models.EventBusyDate{
		interval("2024-01-10T09:00:00Z", "2024-01-10T09:30:00Z"),
		interval("2024-01-10T09:15:00Z", "2024-01-10T09:45:00Z"), // overlap preserved
	}}, provider.NewRegistry(), time.Second)

	busy, err := agg.BusyTimes(context.Background(), BusyTimesParams{
		UserID: 7,
		Start:  time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("BusyTimes failed: %v", err)
	}
	if len(busy) != 2 {
		t.Fatalf("overlapping intervals must not be merged, got %d", len(busy))
	}
	for _, b := range busy {
		if b.Start.After(b.End) {
			t.Errorf("interval invariant start <= end violated: %+v", b)
		}
	}
}
