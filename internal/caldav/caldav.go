// Package caldav implements the provider adapter for CalDAV calendar servers
// (iCloud and compatible).
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"calbook/internal/models"
	"calbook/internal/provider"
)

// Slug identifies CalDAV credentials and booking references.
const Slug = "caldav_calendar"

// basicAuthTransport adds basic auth and a user agent to every request.
type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "calbook/1.0")
	return t.transport.RoundTrip(req)
}

// Adapter talks to one CalDAV account. Authentication is an app-specific
// password on the transport, not an OAuth token, so the credential argument
// only scopes logging.
type Adapter struct {
	logger       *slog.Logger
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	endpoint     string
	calendarName string

	mu           sync.Mutex
	calendarPath string
}

// NewAdapter creates a CalDAV adapter. The calendar named calendarName is
// discovered lazily on first use.
func NewAdapter(logger *slog.Logger, endpoint, username, password, calendarName string) (*Adapter, error) {
	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username:  username,
			password:  password,
			transport: http.DefaultTransport,
		},
		Timeout: 30 * time.Second,
	}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	return &Adapter{
		logger:       logger,
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		endpoint:     endpoint,
		calendarName: calendarName,
	}, nil
}

func (a *Adapter) Slug() string { return Slug }

// findCalendar discovers the account's calendars and caches the path of the
// one with the configured name.
func (a *Adapter) findCalendar(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calendarPath != "" {
		return a.calendarPath, nil
	}

	principalPath, err := a.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSetPath, err := a.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := a.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == a.calendarName {
			a.calendarPath = cal.Path
			a.logger.Info("Found CalDAV calendar", "name", cal.Name, "path", cal.Path)
			return a.calendarPath, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name %q", a.calendarName)
}

// GetBusyIntervals queries the calendar for events overlapping the range and
// maps each to a busy interval. Any failure degrades to an empty result.
func (a *Adapter) GetBusyIntervals(ctx context.Context, cred *models.Credential, start, end time.Time, _ []models.SelectedCalendar) []models.EventBusyDate {
	busy, err := a.fetchBusyIntervals(ctx, start, end)
	if err != nil {
		a.logger.Error("CalDAV busy-time lookup degraded to empty", "credentialID", cred.ID, "error", err)
		return nil
	}
	return busy
}

func (a *Adapter) fetchBusyIntervals(ctx context.Context, start, end time.Time) ([]models.EventBusyDate, error) {
	calendarPath, err := a.findCalendar(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID, ical.PropDateTimeStart, ical.PropDateTimeEnd},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := a.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("calendar query failed: %w: %v", provider.ErrUnavailable, err)
	}

	var busy []models.EventBusyDate
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			s, err := ev.DateTimeStart(time.UTC)
			if err != nil {
				return nil, fmt.Errorf("event %s has unparseable start: %w", obj.Path, provider.ErrSchemaMismatch)
			}
			e, err := ev.DateTimeEnd(time.UTC)
			if err != nil {
				return nil, fmt.Errorf("event %s has unparseable end: %w", obj.Path, provider.ErrSchemaMismatch)
			}
			busy = append(busy, models.EventBusyDate{Start: s.UTC(), End: e.UTC()})
		}
	}
	return busy, nil
}

// CreateMeeting writes the event as a new .ics object addressed by its UID.
func (a *Adapter) CreateMeeting(ctx context.Context, _ *models.Credential, event *models.CalendarEvent) (*models.BookingReference, error) {
	calendarPath, err := a.findCalendar(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	eventPath := objectPath(calendarPath, event.UID)
	if err := a.putEvent(ctx, eventPath, event); err != nil {
		return nil, err
	}
	return &models.BookingReference{
		Type: Slug,
		UID:  event.UID,
	}, nil
}

// UpdateMeeting overwrites the .ics object the reference points at. CalDAV
// object paths are UID-addressed, so the update targets the created resource
// by construction.
func (a *Adapter) UpdateMeeting(ctx context.Context, _ *models.Credential, ref *models.BookingReference, event *models.CalendarEvent) (*models.BookingReference, error) {
	calendarPath, err := a.findCalendar(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	updated := *event
	updated.UID = ref.UID
	if err := a.putEvent(ctx, objectPath(calendarPath, ref.UID), &updated); err != nil {
		return nil, err
	}
	out := *ref
	return &out, nil
}

// DeleteMeeting removes the .ics object. An object the server no longer
// knows about counts as deleted.
func (a *Adapter) DeleteMeeting(ctx context.Context, _ *models.Credential, ref *models.BookingReference) error {
	calendarPath, err := a.findCalendar(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	if err := a.webdavClient.RemoveAll(ctx, objectPath(calendarPath, ref.UID)); err != nil {
		if isNotFound(err) {
			a.logger.Debug("Event already gone on CalDAV server", "uid", ref.UID)
			return nil
		}
		return fmt.Errorf("failed to delete event %s: %w: %v", ref.UID, provider.ErrUnavailable, err)
	}
	return nil
}

// putEvent encodes the event as iCalendar and writes it to the server.
func (a *Adapter) putEvent(ctx context.Context, eventPath string, event *models.CalendarEvent) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calbook//EN")
	cal.Children = append(cal.Children, toICal(event))

	writer, err := a.webdavClient.Create(ctx, eventPath)
	if err != nil {
		return fmt.Errorf("failed to create event on CalDAV server: %w: %v", provider.ErrUnavailable, err)
	}
	defer writer.Close()

	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	return nil
}

// toICal converts the normalized event into a VEVENT component.
func toICal(event *models.CalendarEvent) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.UID)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	for _, attendee := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee.Email))
		ve.Props.Add(p)
	}
	if rule, ok := recurrenceRule(event.Recurrence); ok {
		ve.Props.Set(&ical.Prop{Name: ical.PropRecurrenceRule, Value: rule})
	}
	return ve
}

// objectPath builds the UID-addressed path of an event object inside the
// calendar collection.
func objectPath(calendarPath, uid string) string {
	return path.Join(calendarPath, uid+".ics")
}

// isNotFound reports whether the server answered 404. go-webdav surfaces
// client failures through an unexported error type whose message starts
// with the canonical status line, so match on that.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "404 Not Found")
}
