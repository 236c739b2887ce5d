package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bloodlink/internal/audit"
	"bloodlink/internal/platform/metrics"
	"bloodlink/internal/profile/models"
	"bloodlink/internal/session"
	sessionModels "bloodlink/internal/session/models"
)

const DefaultCompletionPath = "/signup/complete"

// RegistrationGate sends users with incomplete profiles to the completion
// flow. It reads the store directly and treats any evaluation error as
// incomplete.
type RegistrationGate struct {
	principal      Principal
	profiles       ProfileReader
	pending        PendingWriter
	router         Router
	signInPath     string
	completionPath string
	clock          func() time.Time

	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
}

type RegistrationOption func(*RegistrationGate)

func WithRegistrationSignInPath(path string) RegistrationOption {
	return func(g *RegistrationGate) {
		g.signInPath = path
	}
}

func WithCompletionPath(path string) RegistrationOption {
	return func(g *RegistrationGate) {
		g.completionPath = path
	}
}

func WithRegistrationClock(clock func() time.Time) RegistrationOption {
	return func(g *RegistrationGate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func WithRegistrationLogger(logger *slog.Logger) RegistrationOption {
	return func(g *RegistrationGate) {
		g.logger = logger
	}
}

func WithRegistrationMetrics(m *metrics.Metrics) RegistrationOption {
	return func(g *RegistrationGate) {
		g.metrics = m
	}
}

func WithRegistrationAudit(publisher AuditPublisher) RegistrationOption {
	return func(g *RegistrationGate) {
		g.auditPublisher = publisher
	}
}

func NewRegistrationGate(principal Principal, profiles ProfileReader, pending PendingWriter, router Router, opts ...RegistrationOption) *RegistrationGate {
	g := &RegistrationGate{
		principal:      principal,
		profiles:       profiles,
		pending:        pending,
		router:         router,
		signInPath:     DefaultSignInPath,
		completionPath: DefaultCompletionPath,
		clock:          time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes one render cycle and returns its decision.
func (g *RegistrationGate) Run(ctx context.Context) Decision {
	m := newRegistrationMachine()

	sess, err := g.principal.CurrentSession(ctx)
	if err != nil || sess == nil {
		if errors.Is(err, session.ErrNoSession) {
			err = nil
		}
		return g.redirect(ctx, m, StateUnauthenticated, g.signInPath, nil, nil, err)
	}

	p, evalErr := g.evaluate(ctx, sess)
	if evalErr == nil {
		if err := m.transition(StateComplete); err != nil {
			return g.redirect(ctx, m, StateIncomplete, g.completionPath, sess, p, err)
		}
		g.metrics.IncrementGateDecision("registration", string(OutcomeRender))
		return Decision{Outcome: OutcomeRender, State: m.state, Trace: m.trace(), Session: sess, Profile: p}
	}

	if kind, _ := models.KindOf(evalErr); kind != models.FailureValidationIncomplete {
		g.logger.WarnContext(ctx, "registration check failed, routing to completion",
			"user_id", sess.UserID.String(),
			"error", evalErr,
		)
	}

	g.pending.Set(ctx, models.CacheKeyPendingRegistration, models.ResumableIdentity{
		UserID:  sess.UserID,
		Email:   bestEmail(sess, p),
		Phone:   bestPhone(sess, p),
		SavedAt: g.clock(),
	})
	return g.redirect(ctx, m, StateIncomplete, g.completionPath, sess, p, evalErr)
}

// evaluate performs the single store read and the completeness check. The
// returned profile may be non-nil alongside an error when it is incomplete.
func (g *RegistrationGate) evaluate(ctx context.Context, sess *sessionModels.Session) (*models.Profile, error) {
	p, err := g.profiles.FindByID(ctx, sess.UserID)
	if err != nil {
		return nil, models.NewFailure(models.FailureStoreUnavailable, sess.UserID, err)
	}
	if p == nil || p.ID != sess.UserID {
		return nil, models.NewFailure(models.FailureStoreUnavailable, sess.UserID, errors.New("malformed profile row"))
	}
	if missing := p.MissingFields(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return p, models.NewFailure(models.FailureValidationIncomplete, sess.UserID,
			fmt.Errorf("missing %s", strings.Join(names, ", ")))
	}
	return p, nil
}

func (g *RegistrationGate) redirect(ctx context.Context, m *machine, to State, path string, sess *sessionModels.Session, p *models.Profile, cause error) Decision {
	if err := m.transition(to); err != nil {
		g.logger.ErrorContext(ctx, "registration gate invariant violated", "error", err)
		m.force(to)
	}

	query := originQuery(g.router)
	g.router.Redirect(path, query)
	g.metrics.IncrementGateDecision("registration", string(OutcomeRedirect))

	if sess != nil && to == StateIncomplete && g.auditPublisher != nil {
		reason := ""
		if kind, ok := models.KindOf(cause); ok {
			reason = string(kind)
		}
		if err := g.auditPublisher.Emit(ctx, audit.Event{
			UserID: sess.UserID,
			Action: string(audit.ActionRegistrationIncomplete),
			Reason: reason,
		}); err != nil {
			g.logger.WarnContext(ctx, "audit emit failed", "error", err)
		}
	}

	return Decision{
		Outcome: OutcomeRedirect,
		State:   m.state,
		Trace:   m.trace(),
		Path:    path,
		Query:   query,
		Session: sess,
		Profile: p,
		Err:     cause,
	}
}

func bestEmail(sess *sessionModels.Session, p *models.Profile) string {
	if sess.Email != "" {
		return sess.Email
	}
	if p != nil {
		return p.Email
	}
	return ""
}

// bestPhone prefers the stored phone over the one the provider knows.
func bestPhone(sess *sessionModels.Session, p *models.Profile) string {
	if p != nil && strings.TrimSpace(p.Phone) != "" {
		return p.Phone
	}
	return sess.Phone
}
