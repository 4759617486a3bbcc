package caldav

import (
	"github.com/teambition/rrule-go"

	"calbook/internal/models"
)

// recurrenceRule renders the recurrence description as an RRULE value.
// iCalendar can express every internal frequency, so nothing is omitted here.
func recurrenceRule(rec *models.RecurringEvent) (string, bool) {
	if rec == nil {
		return "", false
	}

	var freq rrule.Frequency
	switch rec.Freq {
	case models.Yearly:
		freq = rrule.YEARLY
	case models.Monthly:
		freq = rrule.MONTHLY
	case models.Weekly:
		freq = rrule.WEEKLY
	case models.Daily:
		freq = rrule.DAILY
	case models.Hourly:
		freq = rrule.HOURLY
	case models.Minutely:
		freq = rrule.MINUTELY
	default:
		return "", false
	}

	opt := rrule.ROption{Freq: freq, Interval: rec.Interval}
	if rec.Until != nil {
		opt.Until = rec.Until.UTC()
	} else if rec.Count > 0 {
		opt.Count = rec.Count
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return "", false
	}
	return rule.String(), true
}
