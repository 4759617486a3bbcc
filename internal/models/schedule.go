package models

import "time"

// WorkingHours is one recurring availability window within a schedule,
// expressed as minutes from local midnight on the listed weekdays.
type WorkingHours struct {
	Days        []time.Weekday
	StartMinute int
	EndMinute   int
}

// Schedule is a user's declared weekly availability. Windows are interpreted
// in the schedule's time zone; free slots are produced by subtracting busy
// intervals from these windows.
type Schedule struct {
	TimeZone     string
	Availability []WorkingHours
}

// AppliesTo reports whether the window covers the given weekday.
func (w WorkingHours) AppliesTo(day time.Weekday) bool {
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}
