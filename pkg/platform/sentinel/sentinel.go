package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, caches and session sources
// return these (optionally wrapped) so services can translate them into domain
// errors or reconciliation failures.
//
// - ErrNotFound: record or session does not exist
// - ErrConflict: a uniqueness constraint rejected a write
// - ErrExpired: credential has expired
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: backing service temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
