package models

import "time"

// Frequency enumerates recurrence frequencies. Not every provider can express
// every frequency; adapters decide per provider how to handle the gap.
type Frequency string

const (
	Yearly   Frequency = "YEARLY"
	Monthly  Frequency = "MONTHLY"
	Weekly   Frequency = "WEEKLY"
	Daily    Frequency = "DAILY"
	Hourly   Frequency = "HOURLY"
	Minutely Frequency = "MINUTELY"
)

// RecurringEvent describes how an event repeats. Exactly one of Count or
// Until bounds the series; an unbounded series has Count == 0 and Until == nil.
type RecurringEvent struct {
	Freq     Frequency
	Interval int
	Count    int
	Until    *time.Time
}
