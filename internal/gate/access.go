package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bloodlink/internal/audit"
	"bloodlink/internal/platform/metrics"
	"bloodlink/internal/profile/models"
	"bloodlink/internal/session"
	sessionModels "bloodlink/internal/session/models"
)

const (
	DefaultRetryBudget   = 3
	DefaultRetryInterval = 250 * time.Millisecond
	DefaultSignInPath    = "/signin"
)

// errSessionLost is returned by recovery attempts once the session is gone.
var errSessionLost = errors.New("session lost during recovery")

// AccessGate guards protected views. One AccessGate serves one render cycle.
type AccessGate struct {
	principal  Principal
	profiles   ProfileResolver
	router     Router
	signInPath string
	budget     int
	newBackOff func() backoff.BackOff

	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
}

type AccessOption func(*AccessGate)

func WithSignInPath(path string) AccessOption {
	return func(g *AccessGate) {
		g.signInPath = path
	}
}

// WithRetryBudget sets how many recovery attempts are made before giving up.
func WithRetryBudget(n int) AccessOption {
	return func(g *AccessGate) {
		if n > 0 {
			g.budget = n
		}
	}
}

// WithBackOff sets the spacing between recovery attempts. factory is called
// once per run so stateful policies start fresh.
func WithBackOff(factory func() backoff.BackOff) AccessOption {
	return func(g *AccessGate) {
		if factory != nil {
			g.newBackOff = factory
		}
	}
}

func WithAccessLogger(logger *slog.Logger) AccessOption {
	return func(g *AccessGate) {
		g.logger = logger
	}
}

func WithAccessMetrics(m *metrics.Metrics) AccessOption {
	return func(g *AccessGate) {
		g.metrics = m
	}
}

func WithAccessAudit(publisher AuditPublisher) AccessOption {
	return func(g *AccessGate) {
		g.auditPublisher = publisher
	}
}

func NewAccessGate(principal Principal, profiles ProfileResolver, router Router, opts ...AccessOption) *AccessGate {
	g := &AccessGate{
		principal:  principal,
		profiles:   profiles,
		router:     router,
		signInPath: DefaultSignInPath,
		budget:     DefaultRetryBudget,
		newBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(DefaultRetryInterval) },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// sessionWatch records session events delivered while a run is in progress.
type sessionWatch struct {
	mu       sync.Mutex
	current  *sessionModels.Session
	lost     bool
	replaced *sessionModels.Session
	cancel   context.CancelFunc
}

func (w *sessionWatch) observe(e sessionModels.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch e.Kind {
	case sessionModels.EventSignedOut:
		w.lost = true
		if w.cancel != nil {
			w.cancel()
		}
	case sessionModels.EventSignedIn:
		if w.current != nil && e.Session != nil &&
			(e.Session.ID != w.current.ID || !e.Session.SameUser(w.current)) {
			w.replaced = e.Session
		}
	case sessionModels.EventTokenRefreshed:
		if w.current != nil && e.Session.SameUser(w.current) {
			w.current = e.Session
		}
	}
}

func (w *sessionWatch) isLost() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lost
}

func (w *sessionWatch) track(sess *sessionModels.Session, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = sess
	w.replaced = nil
	w.cancel = cancel
}

// takeReplacement returns the replacing session once, if any.
func (w *sessionWatch) takeReplacement() *sessionModels.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.replaced
	w.replaced = nil
	return next
}

// Run executes one render cycle and returns its decision. A redirect decision
// has already been sent to the Router.
func (g *AccessGate) Run(ctx context.Context) Decision {
	m := newAccessMachine()

	watch := &sessionWatch{}
	unsubscribe := g.principal.Subscribe(watch.observe)
	defer unsubscribe()

	sess, err := g.principal.CurrentSession(ctx)
	if err != nil || sess == nil {
		if errors.Is(err, session.ErrNoSession) {
			err = nil
		}
		return g.deny(ctx, m, nil, err)
	}
	if err := m.transition(StateAuthenticated); err != nil {
		return g.deny(ctx, m, sess, err)
	}

	for {
		watch.track(sess, nil)
		p, err := g.resolve(ctx, m, watch, sess)
		if err != nil {
			return g.deny(ctx, m, sess, err)
		}
		if err := m.transition(StateReady); err != nil {
			return g.deny(ctx, m, sess, err)
		}

		// Ready holds until the session is replaced by a fresh sign-in.
		next := watch.takeReplacement()
		if next == nil {
			g.metrics.IncrementGateDecision("access", string(OutcomeRender))
			return Decision{Outcome: OutcomeRender, State: m.state, Trace: m.trace(), Session: sess, Profile: p}
		}
		if err := m.transition(StateAuthenticated); err != nil {
			return g.deny(ctx, m, sess, err)
		}
		sess = next
	}
}

// resolve moves from Authenticated to a profile, entering Recovering when no
// profile is resolved yet.
func (g *AccessGate) resolve(ctx context.Context, m *machine, watch *sessionWatch, sess *sessionModels.Session) (*models.Profile, error) {
	if p, ok := g.profiles.Current(ctx, sess.UserID); ok {
		return p, nil
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch.track(sess, cancel)
	if watch.isLost() {
		return nil, errSessionLost
	}

	// A load already under way is joined and counts as the first attempt.
	joined := g.profiles.Loading(sess.UserID)
	var joinErr error
	if joined {
		g.metrics.IncrementRecoveryAttempts()
		p, err := g.profiles.Reconcile(rctx, sess)
		if err == nil {
			return p, nil
		}
		if watch.isLost() {
			return nil, errSessionLost
		}
		joinErr = err
	}

	if err := m.transition(StateRecovering); err != nil {
		return nil, err
	}

	tries := g.budget
	attempt := 0
	bo := g.newBackOff()
	if joined {
		tries--
		attempt++
		if tries == 0 || !retryable(joinErr) {
			g.logger.WarnContext(ctx, "profile unavailable after joining load",
				"user_id", sess.UserID.String(),
				"error", joinErr,
			)
			return nil, joinErr
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-rctx.Done():
			if watch.isLost() {
				return nil, errSessionLost
			}
			return nil, rctx.Err()
		}
	}

	operation := func() (*models.Profile, error) {
		attempt++
		g.metrics.IncrementRecoveryAttempts()
		if watch.isLost() {
			return nil, backoff.Permanent(errSessionLost)
		}
		p, err := g.profiles.Reconcile(rctx, sess)
		if err == nil {
			return p, nil
		}
		if watch.isLost() {
			return nil, backoff.Permanent(errSessionLost)
		}
		if retryable(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	p, err := backoff.Retry(rctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.DebugContext(ctx, "profile recovery attempt failed",
				"user_id", sess.UserID.String(),
				"attempt", attempt,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		if watch.isLost() {
			return nil, errSessionLost
		}
		g.logger.WarnContext(ctx, "profile unavailable after recovery",
			"user_id", sess.UserID.String(),
			"attempts", attempt,
			"error", err,
		)
		return nil, err
	}
	return p, nil
}

func retryable(err error) bool {
	var failure *models.Failure
	return errors.As(err, &failure) && failure.Retryable()
}

// deny moves to Unauthenticated and sends the single sign-in redirect.
func (g *AccessGate) deny(ctx context.Context, m *machine, sess *sessionModels.Session, cause error) Decision {
	if err := m.transition(StateUnauthenticated); err != nil {
		g.logger.ErrorContext(ctx, "access gate invariant violated", "error", err)
		m.force(StateUnauthenticated)
	}
	g.logger.InfoContext(ctx, "access denied", "trace", m.trace(), "error", cause)

	query := originQuery(g.router)
	g.router.Redirect(g.signInPath, query)
	g.metrics.IncrementGateDecision("access", string(OutcomeRedirect))

	if sess != nil && g.auditPublisher != nil {
		reason := "session_lost"
		if kind, ok := models.KindOf(cause); ok {
			reason = string(kind)
		} else if cause != nil && !errors.Is(cause, errSessionLost) {
			reason = cause.Error()
		}
		if err := g.auditPublisher.Emit(ctx, audit.Event{
			UserID: sess.UserID,
			Action: string(audit.ActionAccessDenied),
			Reason: reason,
		}); err != nil {
			g.logger.WarnContext(ctx, "audit emit failed", "error", err)
		}
	}

	return Decision{
		Outcome: OutcomeRedirect,
		State:   m.state,
		Trace:   m.trace(),
		Path:    g.signInPath,
		Query:   query,
		Session: sess,
		Err:     cause,
	}
}
