// Package auth owns the per execution context view of "who is signed in and
// what is their profile". A Coordinator ties one session source to one
// Reconciler; the Registry hands out Coordinators by context id.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"bloodlink/internal/audit"
	"bloodlink/internal/profile/models"
	"bloodlink/internal/profile/service"
	"bloodlink/internal/session"
	sessionModels "bloodlink/internal/session/models"
	id "bloodlink/pkg/domain"
	dErrors "bloodlink/pkg/domain-errors"
	"bloodlink/pkg/requestcontext"
)

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Coordinator reacts to session events for one execution context and exposes
// the reconciled profile to gates and handlers.
type Coordinator struct {
	contextID  id.ContextID
	source     session.Source
	reconciler *service.Reconciler

	logger         *slog.Logger
	auditPublisher AuditPublisher

	// bg scopes background reconciliations; Close cancels it and waits on wg.
	bg       context.Context
	cancelBG context.CancelFunc
	wg       sync.WaitGroup

	mu          sync.Mutex
	current     *sessionModels.Session
	started     bool
	closed      bool
	unsubscribe func()
	subscribers map[int]func(sessionModels.Event)
	nextSubID   int
}

type CoordinatorOption func(*Coordinator)

func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) CoordinatorOption {
	return func(c *Coordinator) {
		c.auditPublisher = publisher
	}
}

func WithContextID(cid id.ContextID) CoordinatorOption {
	return func(c *Coordinator) {
		c.contextID = cid
	}
}

func NewCoordinator(source session.Source, reconciler *service.Reconciler, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		source:      source,
		reconciler:  reconciler,
		logger:      slog.Default(),
		subscribers: make(map[int]func(sessionModels.Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	bg := context.Background()
	if !c.contextID.IsNil() {
		bg = requestcontext.WithContextID(bg, c.contextID)
	}
	c.bg, c.cancelBG = context.WithCancel(bg)
	return c
}

// Start subscribes to the source and adopts whatever session it already
// holds. Calling Start twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	unsubscribe := c.source.Subscribe(c.handle)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	sess, err := c.source.Current(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read initial session")
	}
	c.adopt(sess)
	return nil
}

// Close stops listening to the source and waits for background work.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.subscribers = make(map[int]func(sessionModels.Event))
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancelBG()
	c.wg.Wait()
}

// handle runs on the emitter's goroutine; store work is pushed to the
// background.
func (c *Coordinator) handle(e sessionModels.Event) {
	switch e.Kind {
	case sessionModels.EventSignedIn, sessionModels.EventTokenRefreshed:
		c.adopt(e.Session)
	case sessionModels.EventSignedOut:
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		c.reconciler.Reset(c.bg)
	}
	c.broadcast(e)
}

// adopt records sess as current. A different user wipes the previous user's
// state before the new principal is bound.
func (c *Coordinator) adopt(sess *sessionModels.Session) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.current
	c.current = sess
	c.mu.Unlock()

	if prev != nil && !prev.SameUser(sess) {
		c.reconciler.Reset(c.bg)
	}
	c.reconciler.Bind(sess.UserID)
	c.reconcileInBackground(sess)
}

func (c *Coordinator) reconcileInBackground(sess *sessionModels.Session) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if _, err := c.reconciler.Reconcile(c.bg, sess); err != nil {
			if kind, ok := models.KindOf(err); ok && kind == models.FailureSuperseded {
				return
			}
			if c.bg.Err() != nil {
				return
			}
			c.logger.WarnContext(c.bg, "background reconciliation failed",
				"user_id", sess.UserID.String(),
				"error", err,
			)
		}
	}()
}

func (c *Coordinator) broadcast(e sessionModels.Event) {
	c.mu.Lock()
	subs := make([]func(sessionModels.Event), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// Subscribe registers fn for session events after the Coordinator has
// applied them.
func (c *Coordinator) Subscribe(fn func(sessionModels.Event)) func() {
	c.mu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.subscribers[subID] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, subID)
			c.mu.Unlock()
		})
	}
}

// CurrentSession returns the adopted session or session.ErrNoSession.
func (c *Coordinator) CurrentSession(_ context.Context) (*sessionModels.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, session.ErrNoSession
	}
	cp := *c.current
	return &cp, nil
}

func (c *Coordinator) Current(ctx context.Context, userID id.UserID) (*models.Profile, bool) {
	return c.reconciler.Current(ctx, userID)
}

func (c *Coordinator) Loading(userID id.UserID) bool {
	return c.reconciler.Loading(userID)
}

func (c *Coordinator) Reconcile(ctx context.Context, sess *sessionModels.Session) (*models.Profile, error) {
	return c.reconciler.Reconcile(ctx, sess)
}

// Profile returns the current user's profile, reconciling if nothing is
// resolved yet.
func (c *Coordinator) Profile(ctx context.Context) (*models.Profile, error) {
	sess, err := c.CurrentSession(ctx)
	if err != nil {
		return nil, models.NewFailure(models.FailureSessionAbsent, id.UserID{}, err)
	}
	if p, ok := c.reconciler.Current(ctx, sess.UserID); ok {
		return p, nil
	}
	return c.reconciler.Reconcile(ctx, sess)
}

// Refresh forces a store read for the current user, bypassing the throttle.
func (c *Coordinator) Refresh(ctx context.Context) (*models.Profile, error) {
	sess, err := c.CurrentSession(ctx)
	if err != nil {
		return nil, models.NewFailure(models.FailureSessionAbsent, id.UserID{}, err)
	}
	c.reconciler.Invalidate()
	return c.reconciler.Reconcile(ctx, sess)
}

// Invalidate makes the next reconciliation read the store.
func (c *Coordinator) Invalidate() {
	c.reconciler.Invalidate()
}

// SignOut ends the session. The source's signedOut event resets the
// reconciler.
func (c *Coordinator) SignOut(ctx context.Context) error {
	sess, _ := c.CurrentSession(ctx)
	err := c.source.SignOut(ctx)
	if sess != nil && c.auditPublisher != nil {
		if emitErr := c.auditPublisher.Emit(ctx, audit.Event{
			UserID: sess.UserID,
			Action: string(audit.ActionSignedOut),
		}); emitErr != nil {
			c.logger.WarnContext(ctx, "audit emit failed", "error", emitErr)
		}
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to end provider session")
	}
	return nil
}

// Snapshot is a read-only view of the context for diagnostics and /api/me.
type Snapshot struct {
	ContextID string                 `json:"context_id"`
	Session   *sessionModels.Session `json:"session,omitempty"`
	Profile   *models.Profile        `json:"profile,omitempty"`
	Loading   bool                   `json:"loading"`
	LastError string                 `json:"last_error,omitempty"`
}

func (c *Coordinator) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{}
	if !c.contextID.IsNil() {
		snap.ContextID = c.contextID.String()
	}
	sess, err := c.CurrentSession(ctx)
	if err != nil {
		return snap
	}
	snap.Session = sess
	snap.Profile, _ = c.reconciler.Current(ctx, sess.UserID)
	snap.Loading = c.reconciler.Loading(sess.UserID)
	if lastErr := c.reconciler.LastError(); lastErr != nil {
		snap.LastError = lastErr.Error()
	}
	return snap
}
