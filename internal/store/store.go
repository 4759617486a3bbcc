// Package store is the local system of record: bookings, credentials, remote
// booking references, and the user's selected calendars, backed by SQLite.
// The bookings table carries a uniqueness constraint on accepted slots so
// conflict prevention is database-enforced rather than application-checked.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"calbook/internal/models"
)

// ErrConflict is returned when an insert or update violates the accepted-slot
// uniqueness constraint. Callers surface it as "slot no longer available".
var ErrConflict = errors.New("store: booking conflicts with an existing accepted booking")

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	expiry TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT '',
	token_type TEXT NOT NULL DEFAULT '',
	invalid INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bookings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL,
	event_type_id INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	start_time TEXT NOT NULL,
	end_time TEXT NOT NULL,
	status TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS bookings_accepted_slot
	ON bookings (user_id, start_time, end_time)
	WHERE status = 'ACCEPTED';

CREATE TABLE IF NOT EXISTS booking_references (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	booking_id INTEGER NOT NULL REFERENCES bookings (id),
	type TEXT NOT NULL,
	uid TEXT NOT NULL,
	meeting_id TEXT NOT NULL DEFAULT '',
	meeting_url TEXT NOT NULL DEFAULT '',
	meeting_password TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS selected_calendars (
	user_id INTEGER NOT NULL,
	integration TEXT NOT NULL,
	external_id TEXT NOT NULL,
	PRIMARY KEY (user_id, integration, external_id)
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent use.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- credentials ---

// CreateCredential inserts a credential row and sets its ID.
func (s *Store) CreateCredential(ctx context.Context, cred *models.Credential) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, type, access_token, refresh_token, expiry, scope, token_type, invalid)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		cred.UserID, cred.Type,
		cred.Key.AccessToken, cred.Key.RefreshToken, cred.Key.Expiry.UTC().Format(time.RFC3339),
		cred.Key.Scope, cred.Key.TokenType,
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	cred.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read credential id: %w", err)
	}
	return nil
}

// CredentialsForUser returns all of a user's credentials, including invalid
// ones; callers filter as needed.
func (s *Store) CredentialsForUser(ctx context.Context, userID int64) ([]*models.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, access_token, refresh_token, expiry, scope, token_type, invalid
		FROM credentials WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// GetCredential loads one credential by id.
func (s *Store) GetCredential(ctx context.Context, id int64) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, access_token, refresh_token, expiry, scope, token_type, invalid
		FROM credentials WHERE id = ?`, id)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	return cred, err
}

// UpdateCredentialKey persists a refreshed token set.
func (s *Store) UpdateCredentialKey(ctx context.Context, id int64, key models.TokenKey) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = ?, refresh_token = ?, expiry = ?, scope = ?, token_type = ?
		WHERE id = ?`,
		key.AccessToken, key.RefreshToken, key.Expiry.UTC().Format(time.RFC3339), key.Scope, key.TokenType, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential %d: %w", id, err)
	}
	return nil
}

// InvalidateCredential flags the credential; the row stays for audit.
func (s *Store) InvalidateCredential(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET invalid = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to invalidate credential %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		cred    models.Credential
		expiry  string
		invalid int
	)
	err := row.Scan(&cred.ID, &cred.UserID, &cred.Type,
		&cred.Key.AccessToken, &cred.Key.RefreshToken, &expiry,
		&cred.Key.Scope, &cred.Key.TokenType, &invalid)
	if err != nil {
		return nil, err
	}
	cred.Key.Expiry, err = time.Parse(time.RFC3339, expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credential expiry: %w", err)
	}
	cred.Invalid = invalid != 0
	return &cred, nil
}

// --- bookings ---

// CreateBooking inserts a booking and sets its ID. A clash with an existing
// accepted booking for the same user and slot returns ErrConflict.
func (s *Store) CreateBooking(ctx context.Context, b *models.Booking) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (uid, user_id, event_type_id, title, start_time, end_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.UID, b.UserID, b.EventTypeID, b.Title,
		b.StartTime.UTC().Format(time.RFC3339), b.EndTime.UTC().Format(time.RFC3339), string(b.Status),
	)
	if err != nil {
		return mapConstraintError(err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read booking id: %w", err)
	}
	return nil
}

// GetBookingByUID loads a booking by its public UID.
func (s *Store) GetBookingByUID(ctx context.Context, uid string) (*models.Booking, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, user_id, event_type_id, title, start_time, end_time, status
		FROM bookings WHERE uid = ?`, uid)

	var (
		b          models.Booking
		start, end string
		status     string
	)
	err := row.Scan(&b.ID, &b.UID, &b.UserID, &b.EventTypeID, &b.Title, &start, &end, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking %s: %w", uid, err)
	}
	if b.StartTime, err = time.Parse(time.RFC3339, start); err != nil {
		return nil, fmt.Errorf("failed to parse booking start: %w", err)
	}
	if b.EndTime, err = time.Parse(time.RFC3339, end); err != nil {
		return nil, fmt.Errorf("failed to parse booking end: %w", err)
	}
	b.Status = models.BookingStatus(status)
	return &b, nil
}

// UpdateBookingStatus transitions a booking's lifecycle state.
func (s *Store) UpdateBookingStatus(ctx context.Context, id int64, status models.BookingStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bookings SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update booking %d status: %w", id, err)
	}
	return nil
}

// UpdateBookingTime moves a booking to a new slot. The accepted-slot index
// still applies, so landing on another accepted booking returns ErrConflict.
func (s *Store) UpdateBookingTime(ctx context.Context, id int64, start, end time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bookings SET start_time = ?, end_time = ? WHERE id = ?`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), id)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

// AcceptedBusyTimes returns busy intervals from accepted bookings that match
// the user or event type and fall inside [start, end].
func (s *Store) AcceptedBusyTimes(ctx context.Context, userID, eventTypeID int64, start, end time.Time) ([]models.EventBusyDate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time, end_time FROM bookings
		WHERE (user_id = ? OR (event_type_id != 0 AND event_type_id = ?))
		  AND start_time >= ?
		  AND end_time <= ?
		  AND status = 'ACCEPTED'`,
		userID, eventTypeID,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query busy times: %w", err)
	}
	defer rows.Close()

	var busy []models.EventBusyDate
	for rows.Next() {
		var startStr, endStr string
		if err := rows.Scan(&startStr, &endStr); err != nil {
			return nil, fmt.Errorf("failed to scan busy time: %w", err)
		}
		s, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse busy start: %w", err)
		}
		e, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse busy end: %w", err)
		}
		busy = append(busy, models.EventBusyDate{Start: s, End: e})
	}
	return busy, rows.Err()
}

// --- booking references ---

// CreateBookingReference persists the remote identifiers returned by a
// provider after meeting creation.
func (s *Store) CreateBookingReference(ctx context.Context, ref *models.BookingReference) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_references (booking_id, type, uid, meeting_id, meeting_url, meeting_password)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ref.BookingID, ref.Type, ref.UID, ref.MeetingID, ref.MeetingURL, ref.MeetingPassword,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking reference: %w", err)
	}
	ref.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read booking reference id: %w", err)
	}
	return nil
}

// ReferencesForBooking returns the remote references persisted for a booking.
func (s *Store) ReferencesForBooking(ctx context.Context, bookingID int64) ([]*models.BookingReference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, booking_id, type, uid, meeting_id, meeting_url, meeting_password
		FROM booking_references WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking references: %w", err)
	}
	defer rows.Close()

	var refs []*models.BookingReference
	for rows.Next() {
		var ref models.BookingReference
		if err := rows.Scan(&ref.ID, &ref.BookingID, &ref.Type, &ref.UID, &ref.MeetingID, &ref.MeetingURL, &ref.MeetingPassword); err != nil {
			return nil, fmt.Errorf("failed to scan booking reference: %w", err)
		}
		refs = append(refs, &ref)
	}
	return refs, rows.Err()
}

// --- selected calendars ---

// AddSelectedCalendar records one external calendar to include in busy-time
// lookups. Re-adding the same calendar is a no-op.
func (s *Store) AddSelectedCalendar(ctx context.Context, sc models.SelectedCalendar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO selected_calendars (user_id, integration, external_id)
		VALUES (?, ?, ?)`,
		sc.UserID, sc.Integration, sc.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("failed to add selected calendar: %w", err)
	}
	return nil
}

// SelectedCalendarsForUser returns the calendars the user opted into.
func (s *Store) SelectedCalendarsForUser(ctx context.Context, userID int64) ([]models.SelectedCalendar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, integration, external_id FROM selected_calendars WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query selected calendars: %w", err)
	}
	defer rows.Close()

	var selected []models.SelectedCalendar
	for rows.Next() {
		var sc models.SelectedCalendar
		if err := rows.Scan(&sc.UserID, &sc.Integration, &sc.ExternalID); err != nil {
			return nil, fmt.Errorf("failed to scan selected calendar: %w", err)
		}
		selected = append(selected, sc)
	}
	return selected, rows.Err()
}

// mapConstraintError translates the SQLite unique-violation error into
// ErrConflict.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("store: %w", err)
}
