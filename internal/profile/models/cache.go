package models

import (
	"time"

	id "bloodlink/pkg/domain"
)

// Cache keys owned by the profile core. The profile snapshot is written only
// by the reconciler; the pending registration only by the registration gate.
const (
	CacheKeyProfile             = "profile.current"
	CacheKeyPendingRegistration = "registration.pending"
)

// CacheEntry is the persisted snapshot of the last resolved profile.
type CacheEntry struct {
	UserID   id.UserID `json:"user_id"`
	Profile  *Profile  `json:"profile"`
	CachedAt time.Time `json:"cached_at"`
}

// OwnedBy reports whether the snapshot may be served to userID. A snapshot
// that belongs to anyone else is treated as a miss.
func (e *CacheEntry) OwnedBy(userID id.UserID) bool {
	if e == nil || e.Profile == nil || userID.IsNil() {
		return false
	}
	return e.UserID == userID && e.Profile.ID == userID
}

// ResumableIdentity lets the completion flow resume after a redirect.
type ResumableIdentity struct {
	UserID  id.UserID `json:"user_id"`
	Email   string    `json:"email,omitempty"`
	Phone   string    `json:"phone,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}
