// Package gate decides, once per render cycle, whether protected content is
// shown or the user is sent elsewhere. Both gates are small state machines
// with closed transition tables; every terminal redirect goes through the
// Router exactly once.
package gate

import (
	"context"
	"net/url"

	"bloodlink/internal/audit"
	"bloodlink/internal/profile/models"
	sessionModels "bloodlink/internal/session/models"
	id "bloodlink/pkg/domain"
)

// RedirectParam carries the originating path so the user can be returned.
const RedirectParam = "redirect"

// Router performs navigation for one render cycle.
type Router interface {
	Redirect(path string, query url.Values)
	CurrentPath() string
}

// Principal is the session view of one execution context.
type Principal interface {
	CurrentSession(ctx context.Context) (*sessionModels.Session, error)
	Subscribe(fn func(sessionModels.Event)) (unsubscribe func())
}

// ProfileResolver exposes the reconciler's output.
type ProfileResolver interface {
	Current(ctx context.Context, userID id.UserID) (*models.Profile, bool)
	Loading(userID id.UserID) bool
	Reconcile(ctx context.Context, sess *sessionModels.Session) (*models.Profile, error)
}

// ProfileReader reads the store directly, bypassing any cached copy.
type ProfileReader interface {
	FindByID(ctx context.Context, userID id.UserID) (*models.Profile, error)
}

// PendingWriter persists the resumable identity for the completion flow.
type PendingWriter interface {
	Set(ctx context.Context, key string, v any)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

type Outcome string

const (
	OutcomeRender   Outcome = "render"
	OutcomeRedirect Outcome = "redirect"
)

// Decision is the result of one gate run. Err is set when the gate redirected
// because something failed rather than for an expected state. Trace lists the
// states the run passed through, ending with State.
type Decision struct {
	Outcome Outcome
	State   State
	Trace   []State
	Path    string
	Query   url.Values
	Session *sessionModels.Session
	Profile *models.Profile
	Err     error
}

func (d Decision) Rendered() bool {
	return d.Outcome == OutcomeRender
}

func originQuery(router Router) url.Values {
	q := url.Values{}
	if origin := router.CurrentPath(); origin != "" {
		q.Set(RedirectParam, origin)
	}
	return q
}
