// Package domain holds typed identifiers shared across modules.
package domain

import (
	"github.com/google/uuid"

	dErrors "bloodlink/pkg/domain-errors"
)

// UserID identifies an authenticated user. The identity provider's subject and
// the profile row id are the same value.
type UserID uuid.UUID

// ParseUserID parses a non-nil UUID into a UserID.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user ID")
	if err != nil {
		return UserID{}, err
	}
	return UserID(u), nil
}

func (id UserID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether the ID is the zero UUID.
func (id UserID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText lets UserID round-trip through JSON as a string.
func (id UserID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *UserID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid user ID")
	}
	*id = UserID(u)
	return nil
}

// ContextID identifies one execution context (a browser or device) that owns
// its own session view and reconciliation state.
type ContextID uuid.UUID

// NewContextID returns a fresh random context id.
func NewContextID() ContextID {
	return ContextID(uuid.New())
}

// ParseContextID parses a non-nil UUID into a ContextID.
func ParseContextID(s string) (ContextID, error) {
	u, err := parseUUID(s, "context ID")
	if err != nil {
		return ContextID{}, err
	}
	return ContextID(u), nil
}

func (id ContextID) String() string {
	return uuid.UUID(id).String()
}

func (id ContextID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}
