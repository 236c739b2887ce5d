package models

import (
	"strings"
	"time"

	id "bloodlink/pkg/domain"
	"bloodlink/pkg/email"
)

// Session is the identity provider's proof of authentication for one user.
// The core only reads it; the provider owns its lifecycle.
type Session struct {
	ID        string            `json:"id"`
	UserID    id.UserID         `json:"user_id"`
	Email     string            `json:"email,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Valid reports whether the session names a user and has not expired at now.
// A zero ExpiresAt means the provider did not report an expiry.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.UserID.IsNil() {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// SameUser reports whether both sessions belong to the same user.
func (s *Session) SameUser(other *Session) bool {
	if s == nil || other == nil {
		return false
	}
	return s.UserID == other.UserID
}

// DisplayName derives a display name from provider metadata, falling back to
// the email local part and finally a generic label.
func (s *Session) DisplayName() string {
	for _, key := range []string{"full_name", "name"} {
		if v := strings.TrimSpace(s.Metadata[key]); v != "" {
			return v
		}
	}
	if name := email.DisplayName(s.Email); name != "" {
		return name
	}
	return "Donor"
}

// EventKind names a session lifecycle change.
type EventKind string

const (
	EventSignedIn       EventKind = "signed_in"
	EventSignedOut      EventKind = "signed_out"
	EventTokenRefreshed EventKind = "token_refreshed"
)

// Event is delivered to subscribers of a session source. Session is nil for
// EventSignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
}
