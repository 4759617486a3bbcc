package models

import "time"

// BookingStatus is the lifecycle state of a local booking.
type BookingStatus string

const (
	BookingAccepted  BookingStatus = "ACCEPTED"
	BookingPending   BookingStatus = "PENDING"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingRejected  BookingStatus = "REJECTED"
)

// Booking is a locally stored reservation of a time slot. Only ACCEPTED
// bookings count as busy time.
type Booking struct {
	ID          int64
	UID         string
	UserID      int64
	EventTypeID int64
	Title       string
	StartTime   time.Time
	EndTime     time.Time
	Status      BookingStatus
}

// BookingReference is the remote identifier set a provider returns after
// creating an event. It is persisted with the booking so later update and
// delete calls target the same remote resource.
type BookingReference struct {
	ID              int64
	BookingID       int64
	Type            string // provider slug that owns the remote resource
	UID             string // remote resource id used for update/delete
	MeetingID       string
	MeetingURL      string
	MeetingPassword string
}
