package audit

import (
	"time"

	id "bloodlink/pkg/domain"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    id.UserID `json:"user_id"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ContextID string    `json:"context_id,omitempty"`
}

type Action string

const (
	ActionProfileProvisioned       Action = "profile_provisioned"
	ActionProfileConflictRecovered Action = "profile_conflict_recovered"
	ActionProfileCompleted         Action = "profile_completed"
	ActionAccessDenied             Action = "access_denied"
	ActionRegistrationIncomplete   Action = "registration_incomplete"
	ActionSignedOut                Action = "signed_out"
)
