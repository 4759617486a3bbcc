package google

import (
	"github.com/teambition/rrule-go"

	"calbook/internal/models"
)

// recurrenceRule renders the internal recurrence description as an RRULE
// line. Google Calendar rejects sub-daily frequencies, so HOURLY and MINUTELY
// series are omitted rather than failing the whole booking.
func recurrenceRule(rec *models.RecurringEvent) (string, bool) {
	if rec == nil {
		return "", false
	}

	var freq rrule.Frequency
	switch rec.Freq {
	case models.Daily:
		freq = rrule.DAILY
	case models.Weekly:
		freq = rrule.WEEKLY
	case models.Monthly:
		freq = rrule.MONTHLY
	case models.Yearly:
		freq = rrule.YEARLY
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
	return "RRULE:" + rule.String(), true
}
