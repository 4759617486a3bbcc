package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"calbook/internal/models"
	"calbook/internal/provider"
	"calbook/internal/store"
)

// recordingAdapter counts mutations and can fail on demand.
type recordingAdapter struct {
	slug          string
	nextID        int
	created       []string
	updated       []string
	updatedStarts []time.Time
	deleted       []string
	createErr     error
	updateErr     error
}

func (a *recordingAdapter) Slug() string { return a.slug }

func (a *recordingAdapter) GetBusyIntervals(_ context.Context, _ *models.Credential, _, _ time.Time, _ []models.SelectedCalendar) []models.EventBusyDate {
	return nil
}

func (a *recordingAdapter) CreateMeeting(_ context.Context, _ *models.Credential, event *models.CalendarEvent) (*models.BookingReference, error) {
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.nextID++
	id := a.slug + "-" + strconv.Itoa(a.nextID)
	a.created = append(a.created, event.UID)
	return &models.BookingReference{Type: a.slug, UID: id, MeetingID: id, MeetingURL: "https://meet.example/" + id}, nil
}

func (a *recordingAdapter) UpdateMeeting(_ context.Context, _ *models.Credential, ref *models.BookingReference, event *models.CalendarEvent) (*models.BookingReference, error) {
	if a.updateErr != nil {
		return nil, a.updateErr
	}
	a.updated = append(a.updated, ref.UID)
	a.updatedStarts = append(a.updatedStarts, event.StartTime)
	out := *ref
	return &out, nil
}

func (a *recordingAdapter) DeleteMeeting(_ context.Context, _ *models.Credential, ref *models.BookingReference) error {
	a.deleted = append(a.deleted, ref.UID)
	return nil
}

func setupEngine(t *testing.T, adapters ...provider.Adapter) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(logger, s, provider.NewRegistry(adapters...)), s
}

func slotRequest(creds ...*models.Credential) Request {
	return Request{
		UserID:      7,
		Title:       "Intro call",
		Start:       time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC),
		TimeZone:    "UTC",
		Attendees:   []models.Attendee{{Name: "Ana", Email: "ana@example.com", TimeZone: "UTC"}},
		Credentials: creds,
	}
}

func TestBook_PersistsBookingAndReferences(t *testing.T) {
	zoom := &recordingAdapter{slug: "zoom_video"}
	engine, s := setupEngine(t, zoom)
	cred := &models.Credential{ID: 1, UserID: 7, Type: "zoom_video"}

	b, err := engine.Book(context.Background(), slotRequest(cred))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if b.Status != models.BookingAccepted {
		t.Errorf("expected accepted booking, got %s", b.Status)
	}
	if len(zoom.created) != 1 || zoom.created[0] != b.UID {
		t.Errorf("expected one remote meeting carrying the booking UID, got %v", zoom.created)
	}

	refs, err := s.ReferencesForBooking(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("ReferencesForBooking failed: %v", err)
	}
	if len(refs) != 1 || refs[0].Type != "zoom_video" {
		t.Errorf("expected persisted zoom reference, got %+v", refs)
	}
}

func TestBook_DoubleBookingRejected(t *testing.T) {
	engine, _ := setupEngine(t)

	if _, err := engine.Book(context.Background(), slotRequest()); err != nil {
		t.Fatalf("first booking failed: %v", err)
	}
	_, err := engine.Book(context.Background(), slotRequest())
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
}

func TestBook_RemoteFailureRollsBack(t *testing.T) {
	zoom := &recordingAdapter{slug: "zoom_video"}
	google := &recordingAdapter{slug: "google_calendar", createErr: errors.New("boom")}
	engine, s := setupEngine(t, zoom, google)

	creds := []*models.Credential{
		{ID: 1, UserID: 7, Type: "zoom_video"},
		{ID: 2, UserID: 7, Type: "google_calendar"},
	}
	_, err := engine.Book(context.Background(), slotRequest(creds...))
	if err == nil {
		t.Fatal("expected remote create failure to propagate")
	}
	if len(zoom.deleted) != 1 {
		t.Errorf("expected the zoom meeting to be torn down, deletions: %v", zoom.deleted)
	}

	// The slot must be free again after rollback.
	if _, err := engine.Book(context.Background(), slotRequest()); err != nil {
		t.Fatalf("slot should be free after rollback, got %v", err)
	}

	busy, err := s.AcceptedBusyTimes(context.Background(), 7, 0,
		time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("AcceptedBusyTimes failed: %v", err)
	}
	if len(busy) != 1 {
		t.Errorf("expected exactly one accepted booking after rollback, got %d", len(busy))
	}
}

func TestCancel_DeletesRemoteMeetings(t *testing.T) {
	zoom := &recordingAdapter{slug: "zoom_video"}
	engine, s := setupEngine(t, zoom)
	cred := &models.Credential{ID: 1, UserID: 7, Type: "zoom_video"}

	b, err := engine.Book(context.Background(), slotRequest(cred))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if err := engine.Cancel(context.Background(), b.UID, []*models.Credential{cred}); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(zoom.deleted) != 1 {
		t.Errorf("expected one remote deletion, got %v", zoom.deleted)
	}

	got, err := s.GetBookingByUID(context.Background(), b.UID)
	if err != nil {
		t.Fatalf("GetBookingByUID failed: %v", err)
	}
	if got.Status != models.BookingCancelled {
		t.Errorf("expected cancelled status, got %s", got.Status)
	}

	// Cancelling again is a no-op.
	if err := engine.Cancel(context.Background(), b.UID, []*models.Credential{cred}); err != nil {
		t.Fatalf("repeat Cancel failed: %v", err)
	}
	if len(zoom.deleted) != 1 {
		t.Errorf("repeat cancel must not delete again, got %v", zoom.deleted)
	}
}

func TestReschedule_UpdatesSameRemoteResource(t *testing.T) {
	zoom := &recordingAdapter{slug: "zoom_video"}
	engine, _ := setupEngine(t, zoom)
	cred := &models.Credential{ID: 1, UserID: 7, Type: "zoom_video"}

	b, err := engine.Book(context.Background(), slotRequest(cred))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}

	newStart := time.Date(2024, 1, 10, 11, 0, 0, 0, time.UTC)
	newEnd := newStart.Add(30 * time.Minute)
	moved, err := engine.Reschedule(context.Background(), b.UID, newStart, newEnd, []*models.Credential{cred})
	if err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if !moved.StartTime.Equal(newStart) {
		t.Errorf("expected new start %v, got %v", newStart, moved.StartTime)
	}
	if len(zoom.updated) != 1 || zoom.updated[0] != "zoom_video-1" {
		t.Errorf("update must target the created remote id, got %v", zoom.updated)
	}
}

func TestReschedule_RemoteFailureRestoresSlot(t *testing.T) {
	zoom := &recordingAdapter{slug: "zoom_video", updateErr: errors.New("boom")}
	engine, s := setupEngine(t, zoom)
	cred := &models.Credential{ID: 1, UserID: 7, Type: "zoom_video"}

	b, err := engine.Book(context.Background(), slotRequest(cred))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}

	newStart := time.Date(2024, 1, 10, 11, 0, 0, 0, time.UTC)
	_, err = engine.Reschedule(context.Background(), b.UID, newStart, newStart.Add(30*time.Minute), []*models.Credential{cred})
	if err == nil {
		t.Fatal("expected remote update failure to propagate")
	}

	got, err := s.GetBookingByUID(context.Background(), b.UID)
	if err != nil {
		t.Fatalf("GetBookingByUID failed: %v", err)
	}
	if !got.StartTime.Equal(b.StartTime) {
		t.Errorf("expected original slot restored, got %v", got.StartTime)
	}
}

func TestReschedule_MovedRemotesRevertedOnLaterFailure(t *testing.T) {
	zoom := &recordingAdapter{slug: "zoom_video"}
	google := &recordingAdapter{slug: "google_calendar", updateErr: errors.New("boom")}
	engine, s := setupEngine(t, zoom, google)
	creds := []*models.Credential{
		{ID: 1, UserID: 7, Type: "zoom_video"},
		{ID: 2, UserID: 7, Type: "google_calendar"},
	}

	b, err := engine.Book(context.Background(), slotRequest(creds...))
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	oldStart := b.StartTime

	newStart := time.Date(2024, 1, 10, 11, 0, 0, 0, time.UTC)
	_, err = engine.Reschedule(context.Background(), b.UID, newStart, newStart.Add(30*time.Minute), creds)
	if err == nil {
		t.Fatal("expected remote update failure to propagate")
	}

	// Zoom was moved to the new time before Google failed; it must be moved
	// back so no remote stays at the abandoned slot.
	if len(zoom.updated) != 2 {
		t.Fatalf("expected the zoom meeting to be updated and then reverted, got %v", zoom.updated)
	}
	if !zoom.updatedStarts[0].Equal(newStart) || !zoom.updatedStarts[1].Equal(oldStart) {
		t.Errorf("expected revert to the original start %v, got %v", oldStart, zoom.updatedStarts)
	}
	if len(google.updated) != 0 {
		t.Errorf("failed adapter must not record an update, got %v", google.updated)
	}

	got, err := s.GetBookingByUID(context.Background(), b.UID)
	if err != nil {
		t.Fatalf("GetBookingByUID failed: %v", err)
	}
	if !got.StartTime.Equal(oldStart) {
		t.Errorf("expected original slot restored, got %v", got.StartTime)
	}
}
