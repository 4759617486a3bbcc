// Package google implements the provider adapter for Google Calendar.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calbook/internal/models"
	"calbook/internal/provider"
)

const (
	// Slug identifies Google Calendar credentials and booking references.
	Slug = "google_calendar"

	// the calendar events live on unless a selected calendar says otherwise
	primaryCalendarID = "primary"
)

// TokenURL is Google's OAuth token endpoint, used by the credential refresher.
var TokenURL = googleoauth.Endpoint.TokenURL

// Adapter talks to the Google Calendar API on behalf of one or more
// credentials.
type Adapter struct {
	logger *slog.Logger
	tokens provider.TokenSource
	opts   []option.ClientOption
}

// NewAdapter creates a Google Calendar adapter. extraOpts is for tests to
// redirect the API endpoint.
func NewAdapter(logger *slog.Logger, tokens provider.TokenSource, extraOpts ...option.ClientOption) *Adapter {
	return &Adapter{logger: logger, tokens: tokens, opts: extraOpts}
}

func (a *Adapter) Slug() string { return Slug }

// service builds a calendar service authenticated with the given access token.
func (a *Adapter) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, a.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// withRetry runs fn with a valid token, forcing one refresh and retry on a
// 401. A second 401 invalidates the credential.
func (a *Adapter) withRetry(ctx context.Context, cred *models.Credential, fn func(svc *calendar.Service) error) error {
	token, err := a.tokens.GetValidAccessToken(ctx, cred)
	if err != nil {
		return err
	}
	svc, err := a.service(ctx, token)
	if err != nil {
		return err
	}

	err = fn(svc)
	if !isUnauthorized(err) {
		return classify(err)
	}

	token, err = a.tokens.ForceRefresh(ctx, cred)
	if err != nil {
		return err
	}
	svc, err = a.service(ctx, token)
	if err != nil {
		return err
	}
	err = fn(svc)
	if isUnauthorized(err) {
		if ierr := a.tokens.Invalidate(ctx, cred); ierr != nil {
			a.logger.Error("Failed to invalidate credential after repeated 401", "credentialID", cred.ID, "error", ierr)
		}
		return fmt.Errorf("google rejected refreshed token: %w", provider.ErrAuthExpired)
	}
	return classify(err)
}

// GetBusyIntervals queries free/busy for the user's selected calendars. Any
// failure degrades to an empty result so one bad integration cannot block the
// availability computation for the other sources.
func (a *Adapter) GetBusyIntervals(ctx context.Context, cred *models.Credential, start, end time.Time, selected []models.SelectedCalendar) []models.EventBusyDate {
	busy, err := a.fetchBusyIntervals(ctx, cred, start, end, selected)
	if err != nil {
		a.logger.Error("Google busy-time lookup degraded to empty", "credentialID", cred.ID, "error", err)
		return nil
	}
	return busy
}

func (a *Adapter) fetchBusyIntervals(ctx context.Context, cred *models.Credential, start, end time.Time, selected []models.SelectedCalendar) ([]models.EventBusyDate, error) {
	items := freeBusyItems(selected)

	var busy []models.EventBusyDate
	err := a.withRetry(ctx, cred, func(svc *calendar.Service) error {
		resp, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
			TimeMin: start.UTC().Format(time.RFC3339),
			TimeMax: end.UTC().Format(time.RFC3339),
			Items:   items,
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		busy = busy[:0]
		for id, cal := range resp.Calendars {
			for _, period := range cal.Busy {
				s, err := time.Parse(time.RFC3339, period.Start)
				if err != nil {
					return fmt.Errorf("unparseable busy start %q for calendar %s: %w", period.Start, id, provider.ErrSchemaMismatch)
				}
				e, err := time.Parse(time.RFC3339, period.End)
				if err != nil {
					return fmt.Errorf("unparseable busy end %q for calendar %s: %w", period.End, id, provider.ErrSchemaMismatch)
				}
				busy = append(busy, models.EventBusyDate{Start: s.UTC(), End: e.UTC()})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return busy, nil
}

// freeBusyItems scopes the query to the user's selected Google calendars,
// defaulting to the primary calendar when none are selected.
func freeBusyItems(selected []models.SelectedCalendar) []*calendar.FreeBusyRequestItem {
	var items []*calendar.FreeBusyRequestItem
	for _, sc := range selected {
		if sc.Integration != Slug {
			continue
		}
		items = append(items, &calendar.FreeBusyRequestItem{Id: sc.ExternalID})
	}
	if len(items) == 0 {
		items = append(items, &calendar.FreeBusyRequestItem{Id: primaryCalendarID})
	}
	return items
}

// CreateMeeting inserts the event into the primary calendar.
func (a *Adapter) CreateMeeting(ctx context.Context, cred *models.Credential, event *models.CalendarEvent) (*models.BookingReference, error) {
	var created *calendar.Event
	err := a.withRetry(ctx, cred, func(svc *calendar.Service) error {
		var err error
		created, err = svc.Events.Insert(primaryCalendarID, translateEvent(event)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google event: %w", err)
	}
	if created == nil || created.Id == "" {
		return nil, fmt.Errorf("create event acknowledgment missing id: %w", provider.ErrSchemaMismatch)
	}
	return &models.BookingReference{
		Type:       Slug,
		UID:        created.Id,
		MeetingID:  created.Id,
		MeetingURL: created.HtmlLink,
	}, nil
}

// UpdateMeeting patches the event identified by the stored reference.
func (a *Adapter) UpdateMeeting(ctx context.Context, cred *models.Credential, ref *models.BookingReference, event *models.CalendarEvent) (*models.BookingReference, error) {
	var updated *calendar.Event
	err := a.withRetry(ctx, cred, func(svc *calendar.Service) error {
		var err error
		updated, err = svc.Events.Patch(primaryCalendarID, ref.UID, translateEvent(event)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update google event %s: %w", ref.UID, err)
	}
	if updated == nil || updated.Id == "" {
		return nil, fmt.Errorf("update event acknowledgment missing id: %w", provider.ErrSchemaMismatch)
	}
	out := *ref
	out.UID = updated.Id
	out.MeetingID = updated.Id
	if updated.HtmlLink != "" {
		out.MeetingURL = updated.HtmlLink
	}
	return &out, nil
}

// DeleteMeeting removes the remote event. An event Google no longer knows
// about counts as deleted.
func (a *Adapter) DeleteMeeting(ctx context.Context, cred *models.Credential, ref *models.BookingReference) error {
	err := a.withRetry(ctx, cred, func(svc *calendar.Service) error {
		return svc.Events.Delete(primaryCalendarID, ref.UID).Context(ctx).Do()
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
			a.logger.Debug("Event already gone on Google", "uid", ref.UID)
			return nil
		}
		return fmt.Errorf("failed to delete google event %s: %w", ref.UID, err)
	}
	return nil
}

// translateEvent converts the normalized event into Google's wire format.
func translateEvent(event *models.CalendarEvent) *calendar.Event {
	tz := event.OrganizerTimeZone()
	out := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start: &calendar.EventDateTime{
			DateTime: event.StartTime.UTC().Format(time.RFC3339),
			TimeZone: tz,
		},
		End: &calendar.EventDateTime{
			DateTime: event.EndTime.UTC().Format(time.RFC3339),
			TimeZone: tz,
		},
	}
	if event.UID != "" {
		out.ICalUID = event.UID
	}
	for _, attendee := range event.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{
			DisplayName: attendee.Name,
			Email:       attendee.Email,
		})
	}
	if rule, ok := recurrenceRule(event.Recurrence); ok {
		out.Recurrence = []string{rule}
	}
	return out
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}

// classify wraps Google API failures with the shared error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, provider.ErrSchemaMismatch) || errors.Is(err, provider.ErrAuthExpired) || errors.Is(err, provider.ErrUnavailable) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 {
			return fmt.Errorf("google api status %d: %w", apiErr.Code, provider.ErrUnavailable)
		}
		if apiErr.Code >= 400 {
			// Keep the *googleapi.Error in the chain so callers can still
			// inspect the status code.
			return fmt.Errorf("%w: %w", provider.ErrRejected, apiErr)
		}
		return err
	}
	if strings.Contains(err.Error(), "connection refused") || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	return err
}
