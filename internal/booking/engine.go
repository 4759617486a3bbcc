// Package booking places, reschedules and cancels bookings, keeping the
// local record and the remote meetings created on providers consistent.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"calbook/internal/models"
	"calbook/internal/provider"
	"calbook/internal/store"
)

// ErrSlotTaken means the requested slot was accepted by another booking
// between availability display and confirmation. Surfaced to the end user as
// "slot no longer available".
var ErrSlotTaken = errors.New("booking: slot no longer available")

// Store is the slice of the local store the engine mutates.
type Store interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBookingByUID(ctx context.Context, uid string) (*models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id int64, status models.BookingStatus) error
	UpdateBookingTime(ctx context.Context, id int64, start, end time.Time) error
	CreateBookingReference(ctx context.Context, ref *models.BookingReference) error
	ReferencesForBooking(ctx context.Context, bookingID int64) ([]*models.BookingReference, error)
}

// Request describes one booking to place.
type Request struct {
	UserID      int64
	EventTypeID int64
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Attendees   []models.Attendee
	Location    string
	Recurrence  *models.RecurringEvent
	// Credentials are the organizer's connected integrations; a remote
	// meeting is created on each.
	Credentials []*models.Credential
}

// Engine coordinates local booking state with remote meeting mutations.
type Engine struct {
	logger   *slog.Logger
	store    Store
	registry *provider.Registry
}

func NewEngine(logger *slog.Logger, s Store, registry *provider.Registry) *Engine {
	return &Engine{logger: logger, store: s, registry: registry}
}

// Book inserts the booking and creates a remote meeting on every supplied
// credential's provider.
//
// The insert is the authoritative conflict check: the store's accepted-slot
// constraint decides the race between two requesters, not any availability
// data the client saw. Remote creation failures are never swallowed; on the
// first failure the already-created meetings are torn down best-effort and
// the local booking is rolled back to CANCELLED.
func (e *Engine) Book(ctx context.Context, req Request) (*models.Booking, error) {
	if !req.Start.Before(req.End) {
		return nil, fmt.Errorf("booking start %v must precede end %v", req.Start, req.End)
	}

	b := &models.Booking{
		UID:         uuid.New().String(),
		UserID:      req.UserID,
		EventTypeID: req.EventTypeID,
		Title:       req.Title,
		StartTime:   req.Start.UTC(),
		EndTime:     req.End.UTC(),
		Status:      models.BookingAccepted,
	}
	if err := e.store.CreateBooking(ctx, b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w", ErrSlotTaken)
		}
		return nil, fmt.Errorf("failed to persist booking: %w", err)
	}
	e.logger.Info("Booking accepted", "uid", b.UID, "userID", b.UserID, "start", b.StartTime)

	event := e.toEvent(b, req)
	var created []*models.BookingReference
	for _, cred := range req.Credentials {
		adapter, err := e.registry.ForCredential(cred)
		if err != nil {
			e.rollback(ctx, b, created, req.Credentials)
			return nil, err
		}
		ref, err := adapter.CreateMeeting(ctx, cred, event)
		if err != nil {
			e.rollback(ctx, b, created, req.Credentials)
			return nil, fmt.Errorf("failed to create %s meeting: %w", cred.Type, err)
		}
		ref.BookingID = b.ID
		if err := e.store.CreateBookingReference(ctx, ref); err != nil {
			e.rollback(ctx, b, append(created, ref), req.Credentials)
			return nil, fmt.Errorf("failed to persist booking reference: %w", err)
		}
		created = append(created, ref)
		e.logger.Info("Remote meeting created", "uid", b.UID, "provider", ref.Type, "meetingID", ref.MeetingID)
	}

	return b, nil
}

// Cancel marks the booking cancelled and deletes its remote meetings. Remote
// deletion failures propagate so the caller can retry; the local state is
// updated first so the slot frees up regardless.
func (e *Engine) Cancel(ctx context.Context, uid string, credentials []*models.Credential) error {
	b, err := e.store.GetBookingByUID(ctx, uid)
	if err != nil {
		return err
	}
	if b.Status == models.BookingCancelled {
		return nil
	}
	if err := e.store.UpdateBookingStatus(ctx, b.ID, models.BookingCancelled); err != nil {
		return err
	}

	refs, err := e.store.ReferencesForBooking(ctx, b.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, ref := range refs {
		if err := e.deleteRemote(ctx, ref, credentials); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("booking %s cancelled locally, but %d remote deletions failed: %w", uid, len(errs), errors.Join(errs...))
	}
	e.logger.Info("Booking cancelled", "uid", uid)
	return nil
}

// Reschedule moves the booking to a new slot and updates every remote
// meeting to match. The slot change goes through the same database
// constraint as a fresh booking.
func (e *Engine) Reschedule(ctx context.Context, uid string, newStart, newEnd time.Time, credentials []*models.Credential) (*models.Booking, error) {
	if !newStart.Before(newEnd) {
		return nil, fmt.Errorf("booking start %v must precede end %v", newStart, newEnd)
	}
	b, err := e.store.GetBookingByUID(ctx, uid)
	if err != nil {
		return nil, err
	}

	oldStart, oldEnd := b.StartTime, b.EndTime
	if err := e.store.UpdateBookingTime(ctx, b.ID, newStart, newEnd); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w", ErrSlotTaken)
		}
		return nil, err
	}
	b.StartTime = newStart.UTC()
	b.EndTime = newEnd.UTC()

	refs, err := e.store.ReferencesForBooking(ctx, b.ID)
	if err != nil {
		e.revertReschedule(ctx, b, nil, credentials, oldStart, oldEnd)
		return nil, err
	}
	event := &models.CalendarEvent{
		UID:       b.UID,
		Title:     b.Title,
		StartTime: b.StartTime,
		EndTime:   b.EndTime,
	}
	var moved []*models.BookingReference
	for _, ref := range refs {
		cred := credentialFor(credentials, ref.Type)
		if cred == nil {
			e.revertReschedule(ctx, b, moved, credentials, oldStart, oldEnd)
			return nil, fmt.Errorf("no credential supplied for provider %s", ref.Type)
		}
		adapter, err := e.registry.Get(ref.Type)
		if err != nil {
			e.revertReschedule(ctx, b, moved, credentials, oldStart, oldEnd)
			return nil, err
		}
		if _, err := adapter.UpdateMeeting(ctx, cred, ref, event); err != nil {
			e.revertReschedule(ctx, b, moved, credentials, oldStart, oldEnd)
			return nil, fmt.Errorf("failed to update %s meeting: %w", ref.Type, err)
		}
		moved = append(moved, ref)
	}
	e.logger.Info("Booking rescheduled", "uid", uid, "start", b.StartTime)
	return b, nil
}

// revertReschedule undoes a half-applied reschedule: the local slot goes back
// to the original time and every remote meeting already moved is updated back
// as well. Reverts are best-effort; a remote left at the abandoned slot is
// logged so an operator can reconcile it.
func (e *Engine) revertReschedule(ctx context.Context, b *models.Booking, moved []*models.BookingReference, credentials []*models.Credential, oldStart, oldEnd time.Time) {
	if err := e.store.UpdateBookingTime(ctx, b.ID, oldStart, oldEnd); err != nil {
		e.logger.Error("Failed to restore booking time after update failure", "uid", b.UID, "error", err)
	}
	b.StartTime = oldStart
	b.EndTime = oldEnd

	event := &models.CalendarEvent{
		UID:       b.UID,
		Title:     b.Title,
		StartTime: oldStart,
		EndTime:   oldEnd,
	}
	for _, ref := range moved {
		cred := credentialFor(credentials, ref.Type)
		if cred == nil {
			e.logger.Error("Remote meeting left at the abandoned slot", "uid", b.UID, "provider", ref.Type, "remoteUID", ref.UID, "error", "no credential supplied")
			continue
		}
		adapter, err := e.registry.Get(ref.Type)
		if err != nil {
			e.logger.Error("Remote meeting left at the abandoned slot", "uid", b.UID, "provider", ref.Type, "remoteUID", ref.UID, "error", err)
			continue
		}
		if _, err := adapter.UpdateMeeting(ctx, cred, ref, event); err != nil {
			e.logger.Error("Remote meeting left at the abandoned slot", "uid", b.UID, "provider", ref.Type, "remoteUID", ref.UID, "error", err)
		}
	}
}

func (e *Engine) toEvent(b *models.Booking, req Request) *models.CalendarEvent {
	return &models.CalendarEvent{
		UID:         b.UID,
		Title:       req.Title,
		Description: req.Description,
		StartTime:   b.StartTime,
		EndTime:     b.EndTime,
		TimeZone:    req.TimeZone,
		Attendees:   req.Attendees,
		Location:    req.Location,
		Recurrence:  req.Recurrence,
	}
}

// rollback tears down already-created remote meetings and cancels the local
// booking after a mid-flight failure. Teardown is best-effort; failures are
// logged, the original error is what reaches the caller.
func (e *Engine) rollback(ctx context.Context, b *models.Booking, created []*models.BookingReference, credentials []*models.Credential) {
	for _, ref := range created {
		if err := e.deleteRemote(ctx, ref, credentials); err != nil {
			e.logger.Error("Rollback failed to delete remote meeting", "uid", b.UID, "provider", ref.Type, "error", err)
		}
	}
	if err := e.store.UpdateBookingStatus(ctx, b.ID, models.BookingCancelled); err != nil {
		e.logger.Error("Rollback failed to cancel booking", "uid", b.UID, "error", err)
	}
}

func (e *Engine) deleteRemote(ctx context.Context, ref *models.BookingReference, credentials []*models.Credential) error {
	cred := credentialFor(credentials, ref.Type)
	if cred == nil {
		return fmt.Errorf("no credential supplied for provider %s", ref.Type)
	}
	adapter, err := e.registry.Get(ref.Type)
	if err != nil {
		return err
	}
	return adapter.DeleteMeeting(ctx, cred, ref)
}

func credentialFor(credentials []*models.Credential, slug string) *models.Credential {
	for _, cred := range credentials {
		if cred.Type == slug {
			return cred
		}
	}
	return nil
}
