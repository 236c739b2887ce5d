package models

import (
	"errors"
	"fmt"

	id "bloodlink/pkg/domain"
)

// FailureKind enumerates why a profile could not be resolved. The set is
// closed; switch on it exhaustively.
type FailureKind string

const (
	// FailureSessionAbsent: there is no valid session to reconcile.
	FailureSessionAbsent FailureKind = "session_absent"
	// FailureStoreUnavailable: the profile store could not be read or written.
	FailureStoreUnavailable FailureKind = "store_unavailable"
	// FailureStoreConflict: a create lost a uniqueness race. Recovered
	// internally by re-reading and never returned to callers.
	FailureStoreConflict FailureKind = "store_conflict"
	// FailureProfileInconsistent: the store reported a conflict but the
	// re-read found nothing.
	FailureProfileInconsistent FailureKind = "profile_inconsistent"
	// FailureValidationIncomplete: the profile exists but misses required fields.
	FailureValidationIncomplete FailureKind = "validation_incomplete"
	// FailureSuperseded: the result belongs to a user who is no longer the
	// current principal and was discarded.
	FailureSuperseded FailureKind = "superseded"
)

// Failure is the error returned when a profile cannot be resolved.
type Failure struct {
	Kind   FailureKind
	UserID id.UserID
	Err    error
}

func NewFailure(kind FailureKind, userID id.UserID, err error) *Failure {
	return &Failure{Kind: kind, UserID: userID, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("profile %s", f.Kind)
	}
	return fmt.Sprintf("profile %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether trying again may succeed without the session
// changing.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case FailureStoreUnavailable, FailureProfileInconsistent:
		return true
	case FailureSessionAbsent, FailureStoreConflict, FailureValidationIncomplete, FailureSuperseded:
		return false
	}
	return false
}

// KindOf extracts the failure kind from err.
func KindOf(err error) (FailureKind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}
