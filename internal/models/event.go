package models

import "time"

// CalendarEvent is the normalized outbound payload used to create or update an
// event on any provider. Adapters translate this into their wire format.
type CalendarEvent struct {
	UID         string     // Unique identifier, shared with the local booking
	Title       string     // Summary or title of the event
	Description string     // Detailed description of the event
	StartTime   time.Time  // Start of the event, absolute instant
	EndTime     time.Time  // End of the event, absolute instant
	TimeZone    string     // IANA zone the organizer schedules in
	Attendees   []Attendee // Invited participants
	Location    string     // Free-form location, optional
	Recurrence  *RecurringEvent
}

// Attendee is a single invited participant.
type Attendee struct {
	Name     string
	Email    string
	TimeZone string
}

// Duration returns the length of the event.
func (e *CalendarEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// OrganizerTimeZone resolves the zone meetings should be scheduled in. It
// falls back to the first attendee's zone and finally UTC.
func (e *CalendarEvent) OrganizerTimeZone() string {
	if e.TimeZone != "" {
		return e.TimeZone
	}
	if len(e.Attendees) > 0 && e.Attendees[0].TimeZone != "" {
		return e.Attendees[0].TimeZone
	}
	return "UTC"
}

// EventBusyDate is a half-open time interval during which a user is considered
// unavailable. Both instants are UTC-normalized; Start <= End always holds for
// intervals produced by this module. Collections are treated as a set and may
// contain overlaps; consumers merge as needed.
type EventBusyDate struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the interval intersects [start, end).
func (b EventBusyDate) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}
