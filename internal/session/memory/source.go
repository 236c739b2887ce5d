// Package memory holds the in-process session source owned by one execution
// context. Credentials verified on each request are offered to it, and it turns
// the differences into session events.
package memory

import (
	"context"
	"sync"
	"time"

	"bloodlink/internal/session"
	"bloodlink/internal/session/models"
)

// Source implements session.Source for a single execution context.
// Subscribers must not call back into the Source.
type Source struct {
	// emitMu serializes state changes with their delivery so subscribers see
	// events in the order the state changed. mu alone guards the fields, so
	// Current never waits on a subscriber.
	emitMu sync.Mutex

	mu          sync.Mutex
	current     *models.Session
	subscribers map[int]func(models.Event)
	nextSubID   int
	revoker     session.Revoker
	clock       func() time.Time
}

type Option func(*Source)

// WithRevoker makes SignOut end the session at the identity provider too.
func WithRevoker(r session.Revoker) Option {
	return func(s *Source) {
		s.revoker = r
	}
}

// WithClock sets the clock used for expiry checks.
func WithClock(clock func() time.Time) Option {
	return func(s *Source) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(opts ...Option) *Source {
	s := &Source{
		subscribers: make(map[int]func(models.Event)),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the current session, or session.ErrNoSession when there is
// none or it has expired.
func (s *Source) Current(_ context.Context) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.Valid(s.clock()) {
		return nil, session.ErrNoSession
	}
	cp := *s.current
	return &cp, nil
}

func (s *Source) Subscribe(fn func(models.Event)) func() {
	s.mu.Lock()
	subID := s.nextSubID
	s.nextSubID++
	s.subscribers[subID] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, subID)
			s.mu.Unlock()
		})
	}
}

// SignIn replaces the current session and announces EventSignedIn.
func (s *Source) SignIn(sess *models.Session) {
	s.set(sess, models.EventSignedIn)
}

// Refresh swaps in a renewed credential for the same session and announces
// EventTokenRefreshed.
func (s *Source) Refresh(sess *models.Session) {
	s.set(sess, models.EventTokenRefreshed)
}

// Offer reconciles the source with the session observed on the latest request.
// A nil or expired session signs the context out; a different session or user
// signs in; a renewed expiry on the same session counts as a refresh. Offering
// the unchanged session emits nothing.
func (s *Source) Offer(sess *models.Session) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	prev := s.current
	now := s.clock()

	var evt models.Event
	switch {
	case !sess.Valid(now):
		if prev == nil {
			s.mu.Unlock()
			return
		}
		s.current = nil
		evt = models.Event{Kind: models.EventSignedOut}
	case prev == nil || prev.ID != sess.ID || !prev.SameUser(sess):
		s.current = copySession(sess)
		evt = models.Event{Kind: models.EventSignedIn, Session: copySession(sess)}
	case !prev.ExpiresAt.Equal(sess.ExpiresAt) || !prev.IssuedAt.Equal(sess.IssuedAt):
		s.current = copySession(sess)
		evt = models.Event{Kind: models.EventTokenRefreshed, Session: copySession(sess)}
	default:
		s.mu.Unlock()
		return
	}
	subs := s.snapshotSubscribers()
	s.mu.Unlock()

	emit(subs, evt)
}

// SignOut clears the session and announces EventSignedOut. When a revoker is
// configured the provider session is ended afterwards; the local session is
// cleared even if revocation fails.
func (s *Source) SignOut(ctx context.Context) error {
	prev := s.clear()
	if prev == nil || s.revoker == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, prev)
}

// clear drops the session and announces EventSignedOut, returning what was
// dropped.
func (s *Source) clear() *models.Session {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	prev := s.current
	s.current = nil
	subs := s.snapshotSubscribers()
	s.mu.Unlock()

	if prev != nil {
		emit(subs, models.Event{Kind: models.EventSignedOut})
	}
	return prev
}

func (s *Source) set(sess *models.Session, kind models.EventKind) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.current = copySession(sess)
	subs := s.snapshotSubscribers()
	s.mu.Unlock()

	emit(subs, models.Event{Kind: kind, Session: copySession(sess)})
}

// snapshotSubscribers must be called with mu held.
func (s *Source) snapshotSubscribers() []func(models.Event) {
	subs := make([]func(models.Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func emit(subs []func(models.Event), evt models.Event) {
	for _, fn := range subs {
		fn(evt)
	}
}

func copySession(sess *models.Session) *models.Session {
	if sess == nil {
		return nil
	}
	cp := *sess
	if sess.Metadata != nil {
		cp.Metadata = make(map[string]string, len(sess.Metadata))
		for k, v := range sess.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
