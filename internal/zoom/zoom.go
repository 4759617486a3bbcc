// Package zoom implements the provider adapter for Zoom scheduled meetings.
package zoom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"calbook/internal/models"
	"calbook/internal/provider"
)

const (
	// Slug identifies Zoom credentials and booking references.
	Slug = "zoom_video"

	// TokenURL is Zoom's OAuth token endpoint.
	TokenURL = "https://zoom.us/oauth/token"

	defaultBaseURL = "https://api.zoom.us/v2"

	// Zoom caps page_size at 300 for meeting listings.
	meetingsPageSize = 300
)

// Adapter talks to the Zoom REST API on behalf of one or more credentials.
type Adapter struct {
	logger     *slog.Logger
	tokens     provider.TokenSource
	baseURL    string
	httpClient *http.Client
}

// NewAdapter creates a Zoom adapter. baseURL overrides the production API
// host; pass "" for the default.
func NewAdapter(logger *slog.Logger, tokens provider.TokenSource, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		logger:     logger,
		tokens:     tokens,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Slug() string { return Slug }

// meetingsPage mirrors Zoom's scheduled-meetings listing.
type meetingsPage struct {
	NextPageToken string `json:"next_page_token"`
	Meetings      []struct {
		ID        int64  `json:"id"`
		StartTime string `json:"start_time"`
		Duration  int    `json:"duration"` // minutes
	} `json:"meetings"`
}

// GetBusyIntervals lists the credential owner's scheduled meetings and maps
// each to a busy interval. Any failure, including an unrefreshable token,
// degrades to an empty result so one bad integration cannot block the whole
// availability computation.
func (a *Adapter) GetBusyIntervals(ctx context.Context, cred *models.Credential, start, end time.Time, _ []models.SelectedCalendar) []models.EventBusyDate {
	busy, err := a.fetchBusyIntervals(ctx, cred, start, end)
	if err != nil {
		a.logger.Error("Zoom busy-time lookup degraded to empty", "credentialID", cred.ID, "error", err)
		return nil
	}
	return busy
}

func (a *Adapter) fetchBusyIntervals(ctx context.Context, cred *models.Credential, start, end time.Time) ([]models.EventBusyDate, error) {
	var busy []models.EventBusyDate
	pageToken := ""
	for {
		endpoint := fmt.Sprintf("/users/me/meetings?type=scheduled&page_size=%d", meetingsPageSize)
		if pageToken != "" {
			endpoint += "&next_page_token=" + pageToken
		}
		body, err := a.doRequest(ctx, cred, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		var page meetingsPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("malformed meetings page: %w", provider.ErrSchemaMismatch)
		}
		for _, m := range page.Meetings {
			if m.StartTime == "" {
				continue
			}
			s, err := time.Parse(time.RFC3339, m.StartTime)
			if err != nil {
				return nil, fmt.Errorf("unparseable meeting start %q: %w", m.StartTime, provider.ErrSchemaMismatch)
			}
			e := s.Add(time.Duration(m.Duration) * time.Minute)
			if e.Before(start) || s.After(end) {
				continue
			}
			busy = append(busy, models.EventBusyDate{Start: s.UTC(), End: e.UTC()})
		}

		if page.NextPageToken == "" {
			return busy, nil
		}
		pageToken = page.NextPageToken
	}
}

// meetingResult is the acknowledged shape of a created meeting.
type meetingResult struct {
	ID       int64  `json:"id"`
	JoinURL  string `json:"join_url"`
	Password string `json:"password"`
}

// CreateMeeting schedules a Zoom meeting for the event and returns the remote
// reference used for later update and delete calls.
func (a *Adapter) CreateMeeting(ctx context.Context, cred *models.Credential, event *models.CalendarEvent) (*models.BookingReference, error) {
	if r := event.Recurrence; r != nil && translateRecurrence(event) == nil {
		a.logger.Warn("Zoom cannot express recurrence frequency; creating a single meeting", "uid", event.UID, "freq", r.Freq)
	}
	payload, err := json.Marshal(translateEvent(event))
	if err != nil {
		return nil, fmt.Errorf("failed to encode meeting payload: %w", err)
	}
	body, err := a.doRequest(ctx, cred, http.MethodPost, "/users/me/meetings", payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create meeting: %w", err)
	}

	var result meetingResult
	if err := json.Unmarshal(body, &result); err != nil || result.ID == 0 || result.JoinURL == "" {
		return nil, fmt.Errorf("create meeting acknowledgment missing id or join_url: %w", provider.ErrSchemaMismatch)
	}

	id := strconv.FormatInt(result.ID, 10)
	return &models.BookingReference{
		Type:            Slug,
		UID:             id,
		MeetingID:       id,
		MeetingURL:      result.JoinURL,
		MeetingPassword: result.Password,
	}, nil
}

// UpdateMeeting patches the meeting identified by the stored reference. Zoom
// acknowledges with 204 and no body, so the existing reference is returned
// unchanged.
func (a *Adapter) UpdateMeeting(ctx context.Context, cred *models.Credential, ref *models.BookingReference, event *models.CalendarEvent) (*models.BookingReference, error) {
	payload, err := json.Marshal(translateEvent(event))
	if err != nil {
		return nil, fmt.Errorf("failed to encode meeting payload: %w", err)
	}
	if _, err := a.doRequest(ctx, cred, http.MethodPatch, "/meetings/"+ref.UID, payload); err != nil {
		return nil, fmt.Errorf("failed to update meeting %s: %w", ref.UID, err)
	}
	updated := *ref
	return &updated, nil
}

// DeleteMeeting removes the remote meeting. A meeting Zoom no longer knows
// about counts as deleted.
func (a *Adapter) DeleteMeeting(ctx context.Context, cred *models.Credential, ref *models.BookingReference) error {
	_, err := a.doRequest(ctx, cred, http.MethodDelete, "/meetings/"+ref.UID, nil)
	if err != nil {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			a.logger.Debug("Meeting already gone on Zoom", "uid", ref.UID)
			return nil
		}
		return fmt.Errorf("failed to delete meeting %s: %w", ref.UID, err)
	}
	return nil
}

// statusError carries the HTTP status of a rejected request alongside the
// classified sentinel.
type statusError struct {
	status int
	kind   error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("zoom api returned status %d", e.status)
}

func (e *statusError) Unwrap() error { return e.kind }

// doRequest performs one authenticated API call. A 401 triggers a single
// forced token refresh and retry; a second 401 invalidates the credential.
// A 204 or empty body is a valid terminal success with a nil payload.
func (a *Adapter) doRequest(ctx context.Context, cred *models.Credential, method, endpoint string, payload []byte) ([]byte, error) {
	token, err := a.tokens.GetValidAccessToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	body, status, err := a.send(ctx, method, endpoint, payload, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		token, err = a.tokens.ForceRefresh(ctx, cred)
		if err != nil {
			return nil, err
		}
		body, status, err = a.send(ctx, method, endpoint, payload, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			if ierr := a.tokens.Invalidate(ctx, cred); ierr != nil {
				a.logger.Error("Failed to invalidate credential after repeated 401", "credentialID", cred.ID, "error", ierr)
			}
			return nil, &statusError{status: status, kind: provider.ErrAuthExpired}
		}
	}

	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status >= 400 && status < 500:
		return nil, &statusError{status: status, kind: provider.ErrRejected}
	default:
		return nil, &statusError{status: status, kind: provider.ErrUnavailable}
	}
}

func (a *Adapter) send(ctx context.Context, method, endpoint string, payload []byte, token string) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// --- payload translation ---

// zoomRecurrence is Zoom's native recurrence encoding.
type zoomRecurrence struct {
	Type           int    `json:"type"` // 1 daily, 2 weekly, 3 monthly
	RepeatInterval int    `json:"repeat_interval,omitempty"`
	WeeklyDays     string `json:"weekly_days,omitempty"` // 1-7, Sunday = 1
	MonthlyDay     int    `json:"monthly_day,omitempty"`
	EndTimes       int    `json:"end_times,omitempty"`
	EndDateTime    string `json:"end_date_time,omitempty"`
}

type meetingSettings struct {
	HostVideo        bool   `json:"host_video"`
	ParticipantVideo bool   `json:"participant_video"`
	JoinBeforeHost   bool   `json:"join_before_host"`
	MuteUponEntry    bool   `json:"mute_upon_entry"`
	WaitingRoom      bool   `json:"waiting_room"`
	UsePMI           bool   `json:"use_pmi"`
	ApprovalType     int    `json:"approval_type"`
	Audio            string `json:"audio"`
	AutoRecording    string `json:"auto_recording"`
}

type meetingPayload struct {
	Topic           string          `json:"topic"`
	Type            int             `json:"type"` // 2 scheduled, 8 recurring with fixed time
	StartTime       string          `json:"start_time"`
	Duration        int             `json:"duration"` // minutes
	Timezone        string          `json:"timezone"`
	Agenda          string          `json:"agenda"`
	DefaultPassword bool            `json:"default_password"`
	Password        string          `json:"password"`
	Settings        meetingSettings `json:"settings"`
	Recurrence      *zoomRecurrence `json:"recurrence,omitempty"`
}

// translateEvent converts the normalized event into Zoom's meeting-create
// payload.
func translateEvent(event *models.CalendarEvent) meetingPayload {
	p := meetingPayload{
		Topic:           event.Title,
		Type:            2,
		StartTime:       event.StartTime.UTC().Format(time.RFC3339),
		Duration:        int(event.Duration() / time.Minute),
		Timezone:        event.OrganizerTimeZone(),
		Agenda:          event.Description,
		DefaultPassword: true,
		Password:        generatePin(7),
		Settings: meetingSettings{
			HostVideo:        true,
			ParticipantVideo: true,
			JoinBeforeHost:   true,
			ApprovalType:     2,
			Audio:            "both",
			AutoRecording:    "none",
		},
	}
	if rec := translateRecurrence(event); rec != nil {
		p.Recurrence = rec
		p.Type = 8
	}
	return p
}

// translateRecurrence maps the internal recurrence description onto Zoom's
// encoding. Zoom cannot express YEARLY, HOURLY or MINUTELY series; for those
// the meeting is created without recurrence rather than failing the booking.
func translateRecurrence(event *models.CalendarEvent) *zoomRecurrence {
	r := event.Recurrence
	if r == nil {
		return nil
	}

	loc := time.UTC
	if tz, err := time.LoadLocation(event.OrganizerTimeZone()); err == nil {
		loc = tz
	}
	localStart := event.StartTime.In(loc)

	var rec zoomRecurrence
	switch r.Freq {
	case models.Daily:
		rec.Type = 1
	case models.Weekly:
		rec.Type = 2
		rec.WeeklyDays = strconv.Itoa(int(localStart.Weekday()) + 1)
	case models.Monthly:
		rec.Type = 3
		rec.MonthlyDay = localStart.Day()
	default:
		return nil
	}

	rec.RepeatInterval = r.Interval
	if r.Until != nil {
		rec.EndDateTime = r.Until.UTC().Format(time.RFC3339)
	} else if r.Count > 0 {
		rec.EndTimes = r.Count
	}
	return &rec
}

// generatePin builds a numeric meeting passcode.
func generatePin(length int) string {
	pin := make([]byte, length)
	for i := range pin {
		pin[i] = byte('0' + rand.Intn(10))
	}
	return string(pin)
}
