package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"

	"bloodlink/internal/audit"
	"bloodlink/internal/auth"
	"bloodlink/internal/cache"
	"bloodlink/internal/gate"
	"bloodlink/internal/platform/metrics"
	"bloodlink/internal/profile/models"
	"bloodlink/internal/session"
	id "bloodlink/pkg/domain"
	dErrors "bloodlink/pkg/domain-errors"
	"bloodlink/pkg/platform/httputil"
	"bloodlink/pkg/platform/sentinel"
	"bloodlink/pkg/requestcontext"
)

// ProfileStore is the store surface the handlers need: the registration
// gate's read and the completion update.
type ProfileStore interface {
	FindByID(ctx context.Context, userID id.UserID) (*models.Profile, error)
	Update(ctx context.Context, p *models.Profile) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// ActivityLog reads back a user's audit events.
type ActivityLog interface {
	List(ctx context.Context, userID id.UserID) ([]audit.Event, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

const DefaultContextCookie = "bloodlink_ctx"

// Handler serves the session, profile and gated application routes.
type Handler struct {
	registry   *auth.Registry
	profiles   ProfileStore
	cache      *cache.Cache
	verifier   session.Verifier
	credential CredentialFunc

	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	activity       ActivityLog
	clock          func() time.Time

	contextCookie  string
	secureCookies  bool
	signInPath     string
	completionPath string
	retryBudget    int
	backOff        func() backoff.BackOff

	checks map[string]HealthCheck
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(h *Handler) {
		h.auditPublisher = publisher
	}
}

// WithActivityLog enables GET /api/me/activity.
func WithActivityLog(log ActivityLog) Option {
	return func(h *Handler) {
		h.activity = log
	}
}

func WithClock(clock func() time.Time) Option {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func WithCredential(fn CredentialFunc) Option {
	return func(h *Handler) {
		if fn != nil {
			h.credential = fn
		}
	}
}

func WithContextCookie(name string, secure bool) Option {
	return func(h *Handler) {
		if name != "" {
			h.contextCookie = name
		}
		h.secureCookies = secure
	}
}

func WithPaths(signIn, completion string) Option {
	return func(h *Handler) {
		if signIn != "" {
			h.signInPath = signIn
		}
		if completion != "" {
			h.completionPath = completion
		}
	}
}

// WithRetryPolicy sets the access gate's recovery budget and spacing.
func WithRetryPolicy(budget int, factory func() backoff.BackOff) Option {
	return func(h *Handler) {
		h.retryBudget = budget
		h.backOff = factory
	}
}

// WithHealthCheck adds a dependency probe to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) {
		if check != nil {
			h.checks[name] = check
		}
	}
}

func New(registry *auth.Registry, profiles ProfileStore, c *cache.Cache, verifier session.Verifier, opts ...Option) *Handler {
	h := &Handler{
		registry:       registry,
		profiles:       profiles,
		cache:          c,
		verifier:       verifier,
		credential:     BearerCredential,
		logger:         slog.Default(),
		clock:          time.Now,
		contextCookie:  DefaultContextCookie,
		signInPath:     gate.DefaultSignInPath,
		completionPath: gate.DefaultCompletionPath,
		retryBudget:    gate.DefaultRetryBudget,
		checks:         make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the context-bound routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.executionContext)
		r.Use(h.bindSession)

		r.Get("/api/me", h.handleMe)
		r.Get("/api/me/activity", h.handleActivity)
		r.Post("/api/session/refresh", h.handleRefresh)
		r.Post("/api/session/signout", h.handleSignOut)
		r.Get("/api/registration/pending", h.handlePending)
		r.Put("/api/profile", h.handleCompleteProfile)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAccess)
			r.Use(h.RequireRegistration)
			r.Get("/app/*", h.handleApp)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["failed"] = failed
	}
	httputil.WriteJSON(w, status, body)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := executionContextFrom(ctx).Coordinator.Snapshot(ctx)
	if snap.Session == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no active session"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := executionContextFrom(ctx).Coordinator.CurrentSession(ctx)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no active session"))
		return
	}
	if h.activity == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "activity log not available"))
		return
	}

	events, err := h.activity.List(ctx, sess.UserID)
	if errors.Is(err, audit.ErrListUnsupported) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "activity log not available"))
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list activity", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list activity"))
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := executionContextFrom(ctx).Coordinator.Refresh(ctx)
	if err != nil {
		h.writeFailure(w, r, "profile refresh failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ec := executionContextFrom(ctx)
	if err := ec.Coordinator.SignOut(ctx); err != nil {
		// The local session is gone either way.
		h.logger.WarnContext(ctx, "provider sign-out failed", "error", err)
	}
	h.cache.Namespace(ec.ID.String()).Remove(ctx, models.CacheKeyPendingRegistration)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ec := executionContextFrom(ctx)
	sess, err := ec.Coordinator.CurrentSession(ctx)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no active session"))
		return
	}

	var pending models.ResumableIdentity
	if !h.cache.Namespace(ec.ID.String()).Get(ctx, models.CacheKeyPendingRegistration, &pending) ||
		pending.UserID != sess.UserID {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no pending registration"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pending)
}

// handleCompleteProfile finishes registration: the submitted fields are
// validated, written to the store, and the reconciled profile is refreshed.
func (h *Handler) handleCompleteProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ec := executionContextFrom(ctx)
	sess, err := ec.Coordinator.CurrentSession(ctx)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no active session"))
		return
	}

	var req models.Completion
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	p, err := h.profiles.FindByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "profile not found"))
			return
		}
		h.logger.ErrorContext(ctx, "failed to load profile", "user_id", sess.UserID.String(), "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "profile store unavailable"))
		return
	}
	p.ApplyCompletion(req, requestcontext.Now(ctx))
	if err := h.profiles.Update(ctx, p); err != nil {
		h.logger.ErrorContext(ctx, "failed to update profile", "user_id", sess.UserID.String(), "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "profile store unavailable"))
		return
	}

	if refreshed, err := ec.Coordinator.Refresh(ctx); err != nil {
		h.logger.WarnContext(ctx, "profile saved but refresh failed", "user_id", sess.UserID.String(), "error", err)
	} else {
		p = refreshed
	}
	h.cache.Namespace(ec.ID.String()).Remove(ctx, models.CacheKeyPendingRegistration)
	h.emitAudit(ctx, sess.UserID, audit.ActionProfileCompleted)

	httputil.WriteJSON(w, http.StatusOK, p)
}

type appResponse struct {
	View    string          `json:"view"`
	Profile *models.Profile `json:"profile"`
}

func (h *Handler) handleApp(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, appResponse{
		View:    chi.URLParam(r, "*"),
		Profile: profileFrom(r.Context()),
	})
}

// writeFailure translates reconciler failures into coded errors.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.WarnContext(r.Context(), msg, "error", err)
	httputil.WriteError(w, failureError(err))
}

func failureError(err error) error {
	kind, ok := models.KindOf(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "request cancelled")
		}
		if _, coded := dErrors.CodeOf(err); coded {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "internal error")
	}
	switch kind {
	case models.FailureSessionAbsent:
		return dErrors.Wrap(err, dErrors.CodeUnauthorized, "no active session")
	case models.FailureStoreUnavailable, models.FailureProfileInconsistent:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "profile temporarily unavailable")
	case models.FailureStoreConflict, models.FailureSuperseded:
		return dErrors.Wrap(err, dErrors.CodeConflict, "session changed during request")
	case models.FailureValidationIncomplete:
		return dErrors.Wrap(err, dErrors.CodeValidation, "profile incomplete")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "internal error")
}

func (h *Handler) emitAudit(ctx context.Context, userID id.UserID, action audit.Action) {
	if h.auditPublisher == nil {
		return
	}
	if err := h.auditPublisher.Emit(ctx, audit.Event{UserID: userID, Action: string(action)}); err != nil {
		h.logger.WarnContext(ctx, "audit emit failed", "action", string(action), "error", err)
	}
}
