package models

import (
	"strings"
	"time"

	id "bloodlink/pkg/domain"
	dErrors "bloodlink/pkg/domain-errors"
)

// Role is the part a user plays in the donor network.
type Role string

const (
	RoleDonor     Role = "donor"
	RoleRequester Role = "requester"
	RoleAdmin     Role = "admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleDonor, RoleRequester, RoleAdmin:
		return true
	}
	return false
}

// BloodGroup is an ABO/Rh group such as "O+". Empty means unknown.
type BloodGroup string

var bloodGroups = map[BloodGroup]struct{}{
	"A+": {}, "A-": {}, "B+": {}, "B-": {},
	"AB+": {}, "AB-": {}, "O+": {}, "O-": {},
}

func (g BloodGroup) IsValid() bool {
	if g == "" {
		return true
	}
	_, ok := bloodGroups[g]
	return ok
}

// Field names a profile attribute that must be filled before the profile is
// usable beyond registration.
type Field string

const (
	FieldDisplayName Field = "display_name"
	FieldPhone       Field = "phone"
	FieldRegion      Field = "region"
	FieldDistrict    Field = "district"
	FieldLocality    Field = "locality"
)

// RequiredFields lists the fields checked by IsComplete, in display order.
var RequiredFields = []Field{FieldDisplayName, FieldPhone, FieldRegion, FieldDistrict, FieldLocality}

// Profile is the domain record for one authenticated user.
//
// Invariants:
//   - ID equals the identity provider's user id and never changes
//   - at most one profile exists per ID (enforced by the store)
//   - a profile is complete when every RequiredFields entry is non-blank
type Profile struct {
	ID          id.UserID  `json:"id"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Role        Role       `json:"role"`
	BloodGroup  BloodGroup `json:"blood_group,omitempty"`
	Region      string     `json:"region,omitempty"`
	District    string     `json:"district,omitempty"`
	Locality    string     `json:"locality,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewDefault builds the profile provisioned for a first-time user. Location
// and phone are left blank for the registration flow to fill.
func NewDefault(userID id.UserID, displayName, email string, now time.Time) (*Profile, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "profile requires a user ID")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "profile requires a display name")
	}
	return &Profile{
		ID:          userID,
		DisplayName: displayName,
		Email:       strings.TrimSpace(email),
		Role:        RoleDonor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (p *Profile) value(f Field) string {
	switch f {
	case FieldDisplayName:
		return p.DisplayName
	case FieldPhone:
		return p.Phone
	case FieldRegion:
		return p.Region
	case FieldDistrict:
		return p.District
	case FieldLocality:
		return p.Locality
	}
	return ""
}

// MissingFields returns the required fields that are blank.
func (p *Profile) MissingFields() []Field {
	var missing []Field
	for _, f := range RequiredFields {
		if strings.TrimSpace(p.value(f)) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

func (p *Profile) IsComplete() bool {
	return len(p.MissingFields()) == 0
}

// Clone returns a copy safe to hand to another goroutine.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Completion carries the fields a user submits to finish registration.
type Completion struct {
	DisplayName string     `json:"display_name"`
	Phone       string     `json:"phone"`
	Role        Role       `json:"role,omitempty"`
	BloodGroup  BloodGroup `json:"blood_group,omitempty"`
	Region      string     `json:"region"`
	District    string     `json:"district"`
	Locality    string     `json:"locality"`
}

func (c *Completion) Normalize() {
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Region = strings.TrimSpace(c.Region)
	c.District = strings.TrimSpace(c.District)
	c.Locality = strings.TrimSpace(c.Locality)
	c.BloodGroup = BloodGroup(strings.ToUpper(strings.TrimSpace(string(c.BloodGroup))))
	if c.Role == "" {
		c.Role = RoleDonor
	}
}

// Validate checks a normalized completion. Admin cannot be self-assigned.
func (c *Completion) Validate() error {
	submitted := Profile{
		DisplayName: c.DisplayName,
		Phone:       c.Phone,
		Region:      c.Region,
		District:    c.District,
		Locality:    c.Locality,
	}
	if missing := submitted.MissingFields(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return dErrors.New(dErrors.CodeValidation, "missing required fields: "+strings.Join(names, ", "))
	}
	if c.Role != RoleDonor && c.Role != RoleRequester {
		return dErrors.New(dErrors.CodeValidation, "role must be donor or requester")
	}
	if !c.BloodGroup.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid blood group")
	}
	return nil
}

// ApplyCompletion copies a validated completion onto the profile.
func (p *Profile) ApplyCompletion(c Completion, now time.Time) {
	p.DisplayName = c.DisplayName
	p.Phone = c.Phone
	p.Role = c.Role
	p.BloodGroup = c.BloodGroup
	p.Region = c.Region
	p.District = c.District
	p.Locality = c.Locality
	p.UpdatedAt = now
}
