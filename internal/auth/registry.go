package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bloodlink/internal/cache"
	"bloodlink/internal/platform/metrics"
	"bloodlink/internal/profile/service"
	"bloodlink/internal/session"
	"bloodlink/internal/session/memory"
	id "bloodlink/pkg/domain"
	dErrors "bloodlink/pkg/domain-errors"
)

// DefaultIdleTTL is how long an execution context survives without a request.
const DefaultIdleTTL = 30 * time.Minute

// ExecutionContext is one browser or device: its session view and the
// Coordinator that reconciles it.
type ExecutionContext struct {
	ID          id.ContextID
	Source      *memory.Source
	Coordinator *Coordinator

	lastSeen time.Time
}

// Registry creates execution contexts on first use and evicts idle ones.
type Registry struct {
	store   service.Store
	cache   *cache.Cache
	idleTTL time.Duration
	clock   func() time.Time

	logger            *slog.Logger
	metrics           *metrics.Metrics
	auditPublisher    AuditPublisher
	revoker           session.Revoker
	reconcilerOptions []service.Option

	mu       sync.Mutex
	contexts map[id.ContextID]*ExecutionContext
	closed   bool
}

type RegistryOption func(*Registry)

func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.idleTTL = ttl
		}
	}
}

func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithRegistryAudit(publisher AuditPublisher) RegistryOption {
	return func(r *Registry) {
		r.auditPublisher = publisher
	}
}

// WithRevoker ends provider sessions when a context signs out.
func WithRevoker(revoker session.Revoker) RegistryOption {
	return func(r *Registry) {
		r.revoker = revoker
	}
}

// WithReconcilerOptions is applied to every context's Reconciler after the
// registry's own logger, metrics and audit options.
func WithReconcilerOptions(opts ...service.Option) RegistryOption {
	return func(r *Registry) {
		r.reconcilerOptions = append(r.reconcilerOptions, opts...)
	}
}

func NewRegistry(store service.Store, c *cache.Cache, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		cache:    c,
		idleTTL:  DefaultIdleTTL,
		clock:    time.Now,
		logger:   slog.Default(),
		contexts: make(map[id.ContextID]*ExecutionContext),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the execution context for cid, creating it if needed, and
// marks it as seen.
func (r *Registry) Get(ctx context.Context, cid id.ContextID) (*ExecutionContext, error) {
	if cid.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "context ID required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, dErrors.New(dErrors.CodeUnavailable, "registry closed")
	}
	if ec, ok := r.contexts[cid]; ok {
		ec.lastSeen = r.clock()
		return ec, nil
	}

	ec := r.build(cid)
	// A fresh source holds no session, so Start does no I/O here.
	if err := ec.Coordinator.Start(ctx); err != nil {
		ec.Coordinator.Close()
		return nil, err
	}
	r.contexts[cid] = ec
	r.metrics.SetActiveContexts(len(r.contexts))
	r.logger.DebugContext(ctx, "execution context created", "context_id", cid.String())
	return ec, nil
}

func (r *Registry) build(cid id.ContextID) *ExecutionContext {
	var sourceOpts []memory.Option
	if r.revoker != nil {
		sourceOpts = append(sourceOpts, memory.WithRevoker(r.revoker))
	}
	source := memory.New(sourceOpts...)

	logger := r.logger.With("context_id", cid.String())
	reconcilerOpts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(r.metrics),
	}
	if r.auditPublisher != nil {
		reconcilerOpts = append(reconcilerOpts, service.WithAuditPublisher(r.auditPublisher))
	}
	reconcilerOpts = append(reconcilerOpts, r.reconcilerOptions...)
	reconciler := service.New(r.store, r.cache.Namespace(cid.String()), reconcilerOpts...)

	coordinatorOpts := []CoordinatorOption{
		WithContextID(cid),
		WithLogger(logger),
	}
	if r.auditPublisher != nil {
		coordinatorOpts = append(coordinatorOpts, WithAuditPublisher(r.auditPublisher))
	}

	return &ExecutionContext{
		ID:          cid,
		Source:      source,
		Coordinator: NewCoordinator(source, reconciler, coordinatorOpts...),
		lastSeen:    r.clock(),
	}
}

// Len returns the number of live execution contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// StartJanitor evicts idle contexts every interval until ctx is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.EvictIdleAt(ctx, r.clock())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EvictIdleAt closes every context not seen within the idle TTL as of now and
// returns how many were evicted.
func (r *Registry) EvictIdleAt(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var idle []*ExecutionContext
	for cid, ec := range r.contexts {
		if now.Sub(ec.lastSeen) >= r.idleTTL {
			idle = append(idle, ec)
			delete(r.contexts, cid)
		}
	}
	r.metrics.SetActiveContexts(len(r.contexts))
	r.mu.Unlock()

	for _, ec := range idle {
		ec.Coordinator.Close()
		r.metrics.IncrementContextEvictions()
	}
	if len(idle) > 0 {
		r.logger.InfoContext(ctx, "evicted idle execution contexts", "count", len(idle))
	}
	return len(idle)
}

// Close closes every context. Get fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*ExecutionContext, 0, len(r.contexts))
	for _, ec := range r.contexts {
		all = append(all, ec)
	}
	r.contexts = make(map[id.ContextID]*ExecutionContext)
	r.metrics.SetActiveContexts(0)
	r.mu.Unlock()

	for _, ec := range all {
		ec.Coordinator.Close()
	}
}
