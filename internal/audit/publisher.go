package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"bloodlink/internal/platform/metrics"
	id "bloodlink/pkg/domain"
	"bloodlink/pkg/requestcontext"
)

var (
	// ErrBufferFull is returned by Emit in async mode when the buffer is full.
	ErrBufferFull = errors.New("audit buffer full")
	// ErrListUnsupported is returned by List when the store is write-only.
	ErrListUnsupported = errors.New("audit store does not support listing")
)

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Lister is implemented by stores that can read events back.
type Lister interface {
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily. In async mode
// events are buffered and written by a background worker; Close drains it.
type Publisher struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbox   chan Event
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

type Option func(*Publisher)

// WithAsyncBuffer enables async mode with a buffer of size n.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.inbox = make(chan Event, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		p.done = make(chan struct{})
		go p.run()
	}
	return p
}

// Emit records base, filling the timestamp and request correlation ids from
// ctx when they are missing.
func (p *Publisher) Emit(ctx context.Context, base Event) error {
	if base.Timestamp.IsZero() {
		base.Timestamp = time.Now()
	}
	if base.RequestID == "" {
		base.RequestID = requestcontext.RequestID(ctx)
	}
	if base.ContextID == "" {
		if cid := requestcontext.ContextID(ctx); !cid.IsNil() {
			base.ContextID = cid.String()
		}
	}

	if p.inbox == nil {
		if err := p.store.Append(ctx, base); err != nil {
			p.metrics.IncrementAuditPublishFailures()
			return err
		}
		return nil
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrBufferFull
	}
	select {
	case p.inbox <- base:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.metrics.IncrementAuditPublishFailures()
		return ErrBufferFull
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for event := range p.inbox {
		// The emitting request may be long gone.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.store.Append(ctx, event); err != nil {
			p.metrics.IncrementAuditPublishFailures()
			p.logger.Warn("audit append failed", "action", event.Action, "error", err)
		}
		cancel()
	}
}

// List returns the events recorded for userID when the store supports reads.
func (p *Publisher) List(ctx context.Context, userID id.UserID) ([]Event, error) {
	lister, ok := p.store.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	return lister.ListByUser(ctx, userID)
}

// Close stops accepting events and waits for buffered ones to be written.
func (p *Publisher) Close() {
	if p.inbox == nil {
		return
	}
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.inbox)
	p.closeMu.Unlock()
	<-p.done
}
