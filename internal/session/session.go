// Package session defines the boundary to the identity provider.
//
// A Source materialises the current session and announces changes to it. The
// core never creates sessions; adapters (memory, bearer, kratos) translate a
// provider's credentials into models.Session values.
package session

import (
	"context"
	"errors"
	"fmt"

	"bloodlink/internal/session/models"
	"bloodlink/pkg/platform/sentinel"
)

// ErrNoSession is returned when there is no valid session.
var ErrNoSession = fmt.Errorf("no session: %w", sentinel.ErrNotFound)

// ErrInvalidCredential is returned by verifiers for malformed, forged or
// expired credentials.
var ErrInvalidCredential = errors.New("invalid credential")

// Source is the identity provider as seen by one execution context.
type Source interface {
	// Current returns the current session or ErrNoSession.
	Current(ctx context.Context) (*models.Session, error)
	// Subscribe registers fn for session changes and returns a function that
	// removes the registration. fn runs on the emitter's goroutine and must not block.
	Subscribe(fn func(models.Event)) (unsubscribe func())
	// SignOut ends the current session.
	SignOut(ctx context.Context) error
}

// Verifier turns a raw credential (bearer token, session cookie) into a Session.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*models.Session, error)
}

// Revoker ends a session at the identity provider.
type Revoker interface {
	Revoke(ctx context.Context, s *models.Session) error
}
