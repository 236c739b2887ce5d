// Package service derives a Profile from a Session, provisioning a default
// profile the first time a user is seen.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"bloodlink/internal/audit"
	"bloodlink/internal/platform/metrics"
	"bloodlink/internal/profile/models"
	"bloodlink/internal/session"
	sessionModels "bloodlink/internal/session/models"
	id "bloodlink/pkg/domain"
	"bloodlink/pkg/platform/sentinel"
)

// DefaultThrottle is the minimum interval between completed reconciliations
// for the same user before the store is asked again.
const DefaultThrottle = 2 * time.Second

type Store interface {
	FindByID(ctx context.Context, userID id.UserID) (*models.Profile, error)
	Create(ctx context.Context, p *models.Profile) error
}

// Cache is the persistent snapshot layer. *cache.Cache satisfies it.
type Cache interface {
	Get(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, v any)
	Remove(ctx context.Context, key string)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Reconciler keeps one execution context's view of the current user's
// profile. All work for a user id is funnelled through a single in-flight
// call; results for a user other than the bound principal are discarded.
type Reconciler struct {
	store          Store
	cache          Cache
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	tracer         trace.Tracer
	throttle       time.Duration
	clock          func() time.Time

	group singleflight.Group

	// commitMu orders snapshot writes against Reset so a late commit cannot
	// resurrect a cleared cache entry. It is held across cache I/O; mu never is.
	commitMu sync.Mutex

	mu          sync.Mutex
	bound       id.UserID
	epoch       uint64
	last        *models.Profile
	lastFetched time.Time
	lastErr     error
	inFlight    map[id.UserID]int
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(r *Reconciler) {
		r.auditPublisher = publisher
	}
}

// WithThrottle overrides DefaultThrottle. Zero disables throttling.
func WithThrottle(d time.Duration) Option {
	return func(r *Reconciler) {
		r.throttle = d
	}
}

func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) {
		r.tracer = tracer
	}
}

func New(store Store, cache Cache, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		cache:    cache,
		logger:   slog.Default(),
		tracer:   otel.Tracer("bloodlink/profile"),
		throttle: DefaultThrottle,
		clock:    time.Now,
		inFlight: make(map[id.UserID]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind names the current principal. Results for any other user complete with
// FailureSuperseded and leave state untouched.
func (r *Reconciler) Bind(userID id.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound != userID {
		r.epoch++
	}
	r.bound = userID
	if r.last != nil && r.last.ID != userID {
		r.last = nil
		r.lastFetched = time.Time{}
		r.lastErr = nil
	}
}

// Reconcile resolves the profile for sess. ctx bounds only this caller's
// wait; the shared store work runs to completion for the other callers.
func (r *Reconciler) Reconcile(ctx context.Context, sess *sessionModels.Session) (*models.Profile, error) {
	if !sess.Valid(r.clock()) {
		var userID id.UserID
		if sess != nil {
			userID = sess.UserID
		}
		return nil, models.NewFailure(models.FailureSessionAbsent, userID, session.ErrNoSession)
	}

	if p, ok := r.throttled(sess.UserID); ok {
		r.metrics.IncrementReconcileThrottled()
		return p, nil
	}

	work := context.WithoutCancel(ctx)
	ch := r.group.DoChan(sess.UserID.String(), func() (any, error) {
		return r.reconcile(work, sess)
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.IncrementReconcileShared()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Profile).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) reconcile(ctx context.Context, sess *sessionModels.Session) (*models.Profile, error) {
	userID := sess.UserID

	// A flight that finished between the caller's throttle check and joining
	// the group already answered this.
	if p, ok := r.throttled(userID); ok {
		r.metrics.IncrementReconcileThrottled()
		return p, nil
	}

	epoch := r.markInFlight(userID)
	defer r.clearInFlight(userID)

	ctx, span := r.tracer.Start(ctx, "profile.Reconcile",
		trace.WithAttributes(attribute.String("user.id", userID.String())))
	defer span.End()

	start := r.clock()
	p, outcome, err := r.fetchOrProvision(ctx, sess)
	if err == nil {
		err = r.commit(ctx, userID, epoch, p)
		if err != nil {
			outcome = string(models.FailureSuperseded)
		}
	}
	r.metrics.ObserveReconcile(outcome, start)
	span.SetAttributes(attribute.String("reconcile.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		r.recordError(userID, err)
		r.logger.WarnContext(ctx, "profile reconciliation failed",
			"user_id", userID.String(),
			"outcome", outcome,
			"error", err,
		)
		return nil, err
	}
	return p, nil
}

// fetchOrProvision talks to the store. It returns the outcome label used for
// metrics alongside the result.
func (r *Reconciler) fetchOrProvision(ctx context.Context, sess *sessionModels.Session) (*models.Profile, string, error) {
	userID := sess.UserID

	p, err := r.read(ctx, userID)
	if err == nil {
		return p, "fetched", nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, string(models.FailureStoreUnavailable), models.NewFailure(models.FailureStoreUnavailable, userID, err)
	}

	fresh, err := models.NewDefault(userID, sess.DisplayName(), sess.Email, r.clock())
	if err != nil {
		return nil, string(models.FailureStoreUnavailable), models.NewFailure(models.FailureStoreUnavailable, userID, err)
	}

	err = r.store.Create(ctx, fresh)
	switch {
	case err == nil:
		r.metrics.IncrementProfilesProvisioned()
		r.emitAudit(ctx, userID, audit.ActionProfileProvisioned, "")
		r.logger.InfoContext(ctx, "profile provisioned", "user_id", userID.String())
		return fresh, "provisioned", nil
	case errors.Is(err, sentinel.ErrConflict):
		// Someone else created the row first; theirs wins.
	default:
		return nil, string(models.FailureStoreUnavailable), models.NewFailure(models.FailureStoreUnavailable, userID, err)
	}

	p, err = r.read(ctx, userID)
	switch {
	case err == nil:
		r.emitAudit(ctx, userID, audit.ActionProfileConflictRecovered, "")
		return p, "conflict_recovered", nil
	case errors.Is(err, sentinel.ErrNotFound):
		conflict := models.NewFailure(models.FailureStoreConflict, userID, err)
		return nil, string(models.FailureProfileInconsistent), models.NewFailure(models.FailureProfileInconsistent, userID, conflict)
	default:
		return nil, string(models.FailureStoreUnavailable), models.NewFailure(models.FailureStoreUnavailable, userID, err)
	}
}

// read fetches a row and rejects one that does not belong to userID.
func (r *Reconciler) read(ctx context.Context, userID id.UserID) (*models.Profile, error) {
	p, err := r.store.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, sentinel.ErrNotFound
	}
	if p.ID != userID {
		return nil, errors.New("store returned a profile for a different user")
	}
	return p, nil
}

// commit publishes p as the current profile unless the principal changed or
// was reset since the flight started.
func (r *Reconciler) commit(ctx context.Context, userID id.UserID, epoch uint64, p *models.Profile) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.Lock()
	if epoch != r.epoch || (!r.bound.IsNil() && r.bound != userID) {
		r.mu.Unlock()
		return models.NewFailure(models.FailureSuperseded, userID, nil)
	}
	now := r.clock()
	r.last = p.Clone()
	r.lastFetched = now
	r.lastErr = nil
	r.mu.Unlock()

	r.cache.Set(ctx, models.CacheKeyProfile, models.CacheEntry{
		UserID:   userID,
		Profile:  p,
		CachedAt: now,
	})
	return nil
}

func (r *Reconciler) throttled(userID id.UserID) (*models.Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.throttle <= 0 || r.last == nil || r.last.ID != userID {
		return nil, false
	}
	if r.clock().Sub(r.lastFetched) >= r.throttle {
		return nil, false
	}
	return r.last.Clone(), true
}

func (r *Reconciler) recordError(userID id.UserID, err error) {
	if kind, _ := models.KindOf(err); kind == models.FailureSuperseded {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound.IsNil() || r.bound == userID {
		r.lastErr = err
	}
}

func (r *Reconciler) markInFlight(userID id.UserID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight[userID]++
	return r.epoch
}

func (r *Reconciler) clearInFlight(userID id.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[userID] <= 1 {
		delete(r.inFlight, userID)
		return
	}
	r.inFlight[userID]--
}

// Current returns the resolved profile for userID without touching the store:
// the in-memory value first, then a cache snapshot owned by userID.
func (r *Reconciler) Current(ctx context.Context, userID id.UserID) (*models.Profile, bool) {
	if userID.IsNil() {
		return nil, false
	}
	r.mu.Lock()
	if r.last != nil && r.last.ID == userID {
		p := r.last.Clone()
		r.mu.Unlock()
		return p, true
	}
	if !r.bound.IsNil() && r.bound != userID {
		r.mu.Unlock()
		return nil, false
	}
	r.mu.Unlock()

	var entry models.CacheEntry
	if !r.cache.Get(ctx, models.CacheKeyProfile, &entry) || !entry.OwnedBy(userID) {
		return nil, false
	}
	return entry.Profile, true
}

// Loading reports whether a reconciliation for userID is in flight.
func (r *Reconciler) Loading(userID id.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[userID] > 0
}

// LastError returns the most recent failure for the bound principal, cleared
// by the next success.
func (r *Reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Invalidate drops the throttle window so the next Reconcile reads the store.
func (r *Reconciler) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFetched = time.Time{}
}

// Reset forgets everything about the current principal and removes the
// profile snapshot. Called on sign-out and when a different user signs in.
func (r *Reconciler) Reset(ctx context.Context) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.Lock()
	r.epoch++
	r.bound = id.UserID{}
	r.last = nil
	r.lastFetched = time.Time{}
	r.lastErr = nil
	r.mu.Unlock()

	r.cache.Remove(ctx, models.CacheKeyProfile)
}

func (r *Reconciler) emitAudit(ctx context.Context, userID id.UserID, action audit.Action, reason string) {
	if r.auditPublisher == nil {
		return
	}
	err := r.auditPublisher.Emit(ctx, audit.Event{
		UserID: userID,
		Action: string(action),
		Reason: reason,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "audit emit failed", "action", string(action), "error", err)
	}
}
