package availability

import (
	"fmt"
	"time"

	"calbook/internal/models"
)

// Slot is one bookable interval offered to a requester.
type Slot struct {
	Start time.Time
	End   time.Time
}

// SlotParams scopes one resolution call. Busy intervals may overlap each
// other and need not be sorted; aggregator output is fed in unmodified.
type SlotParams struct {
	Schedule     models.Schedule
	SlotDuration time.Duration
	Start        time.Time
	End          time.Time
	Busy         []models.EventBusyDate
}

// AvailableSlots intersects the declared schedule with the queried range and
// subtracts busy intervals, emitting slots of the requested duration aligned
// to the start of each working window. Returned slots are in UTC, ordered by
// start time.
func AvailableSlots(params SlotParams) ([]Slot, error) {
	if params.SlotDuration <= 0 {
		return nil, fmt.Errorf("slot duration must be positive, got %v", params.SlotDuration)
	}
	loc, err := time.LoadLocation(params.Schedule.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule timezone %q: %w", params.Schedule.TimeZone, err)
	}

	var slots []Slot
	// Walk the range day by day in the schedule's zone so windows land on
	// the correct local wall-clock times across DST changes.
	day := startOfDay(params.Start.In(loc))
	rangeEnd := params.End.In(loc)
	for !day.After(rangeEnd) {
		for _, window := range params.Schedule.Availability {
			if !window.AppliesTo(day.Weekday()) {
				continue
			}
			windowStart := day.Add(time.Duration(window.StartMinute) * time.Minute)
			windowEnd := day.Add(time.Duration(window.EndMinute) * time.Minute)
			if windowStart.Before(params.Start.In(loc)) {
				windowStart = alignForward(params.Start.In(loc), windowStart, params.SlotDuration)
			}
			if windowEnd.After(rangeEnd) {
				windowEnd = rangeEnd
			}

			for s := windowStart; !s.Add(params.SlotDuration).After(windowEnd); s = s.Add(params.SlotDuration) {
				e := s.Add(params.SlotDuration)
				if isBusy(params.Busy, s, e) {
					continue
				}
				slots = append(slots, Slot{Start: s.UTC(), End: e.UTC()})
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return slots, nil
}

// isBusy reports whether any busy interval overlaps [start, end).
func isBusy(busy []models.EventBusyDate, start, end time.Time) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// alignForward advances windowStart past cutoff in whole slot steps, keeping
// slot boundaries anchored to the window start.
func alignForward(cutoff, windowStart time.Time, step time.Duration) time.Time {
	s := windowStart
	for s.Before(cutoff) {
		s = s.Add(step)
	}
	return s
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
