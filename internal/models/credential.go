package models

import "time"

// TokenKey is the OAuth token set stored with a credential. It is mutated in
// place on refresh so in-flight holders observe the new tokens.
type TokenKey struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Scope        string    `json:"scope,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
}

// Credential authorizes calls to one provider on behalf of one user.
// A credential is created when the user connects the provider, refreshed
// lazily on use, and marked invalid (never deleted) once the provider
// rejects its refresh token.
type Credential struct {
	ID      int64
	UserID  int64
	Type    string // provider slug, e.g. "zoom_video", "google_calendar"
	Key     TokenKey
	Invalid bool
}

// SelectedCalendar scopes busy-time lookups to one external calendar the user
// picked for conflict checking.
type SelectedCalendar struct {
	UserID      int64
	Integration string // provider slug
	ExternalID  string // provider-side calendar identifier
}
