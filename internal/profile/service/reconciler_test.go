package service

//go:generate mockgen -source=reconciler.go -destination=mocks/mocks.go -package=mocks Store,Cache,AuditPublisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"bloodlink/internal/audit"
	"bloodlink/internal/cache"
	"bloodlink/internal/platform/metrics"
	"bloodlink/internal/profile/models"
	"bloodlink/internal/profile/service/mocks"
	"bloodlink/internal/profile/store"
	sessionModels "bloodlink/internal/session/models"
	id "bloodlink/pkg/domain"
	"bloodlink/pkg/platform/sentinel"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSession(clock *fakeClock, userID id.UserID) *sessionModels.Session {
	return &sessionModels.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     "nadia.islam@example.com",
		Metadata:  map[string]string{"full_name": "Nadia Islam"},
		IssuedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(time.Hour),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func completeProfile(userID id.UserID) *models.Profile {
	return &models.Profile{
		ID:          userID,
		DisplayName: "Nadia Islam",
		Phone:       "+8801711111111",
		Role:        models.RoleDonor,
		Region:      "Dhaka",
		District:    "Dhaka",
		Locality:    "Dhanmondi",
	}
}

// =============================================================================
// Store path tests
// =============================================================================

type ReconcilerSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	store     *mocks.MockStore
	publisher *mocks.MockAuditPublisher
	cache     *cache.Cache
	clock     *fakeClock
	metrics   *metrics.Metrics
	rec       *Reconciler
	userID    id.UserID
	ctx       context.Context
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.publisher = mocks.NewMockAuditPublisher(s.ctrl)
	s.cache = cache.New(cache.NewMemory(), cache.WithLogger(discardLogger()))
	s.clock = newFakeClock()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.rec = New(s.store, s.cache,
		WithLogger(discardLogger()),
		WithMetrics(s.metrics),
		WithAuditPublisher(s.publisher),
		WithClock(s.clock.Now),
	)
	s.userID = id.UserID(uuid.New())
	s.ctx = context.Background()
}

func (s *ReconcilerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ReconcilerSuite) cachedEntry() (models.CacheEntry, bool) {
	var entry models.CacheEntry
	ok := s.cache.Get(s.ctx, models.CacheKeyProfile, &entry)
	return entry, ok
}

func (s *ReconcilerSuite) TestExistingProfile() {
	existing := completeProfile(s.userID)
	s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(existing, nil)

	p, err := s.rec.Reconcile(s.ctx, newSession(s.clock, s.userID))
	s.Require().NoError(err)
	s.Equal(existing, p)

	entry, ok := s.cachedEntry()
	s.Require().True(ok)
	s.True(entry.OwnedBy(s.userID))
	s.Equal("Dhanmondi", entry.Profile.Locality)
	s.NoError(s.rec.LastError())
}

func (s *ReconcilerSuite) TestProvisionsMissingProfile() {
	s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(nil, sentinel.ErrNotFound)
	s.store.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p *models.Profile) error {
			s.Equal(s.userID, p.ID)
			s.Equal("Nadia Islam", p.DisplayName)
			s.Equal(models.RoleDonor, p.Role)
			s.False(p.IsComplete())
			return nil
		})
	s.publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e audit.Event) error {
			s.Equal(string(audit.ActionProfileProvisioned), e.Action)
			s.Equal(s.userID, e.UserID)
			return nil
		})

	p, err := s.rec.Reconcile(s.ctx, newSession(s.clock, s.userID))
	s.Require().NoError(err)
	s.Equal(s.userID, p.ID)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ProfilesProvisioned))

	_, ok := s.cachedEntry()
	s.True(ok)
}

func (s *ReconcilerSuite) TestCreateConflict() {
	s.Run("re-read returns the row created by the other writer", func() {
		theirs := completeProfile(s.userID)
		gomock.InOrder(
			s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(nil, sentinel.ErrNotFound),
			s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict),
			s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(theirs, nil),
		)
		s.publisher.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil)

		p, err := s.rec.Reconcile(s.ctx, newSession(s.clock, s.userID))
		s.Require().NoError(err)
		s.Equal(theirs, p)
	})

	s.Run("empty re-read is inconsistent", func() {
		s.rec.Invalidate()
		other := id.UserID(uuid.New())
		gomock.InOrder(
			s.store.EXPECT().FindByID(gomock.Any(), other).Return(nil, sentinel.ErrNotFound),
			s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict),
			s.store.EXPECT().FindByID(gomock.Any(), other).Return(nil, sentinel.ErrNotFound),
		)

		_, err := s.rec.Reconcile(s.ctx, newSession(s.clock, other))
		kind, ok := models.KindOf(err)
		s.Require().True(ok)
		s.Equal(models.FailureProfileInconsistent, kind)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("failing re-read is store unavailable", func() {
		other := id.UserID(uuid.New())
		gomock.InOrder(
			s.store.EXPECT().FindByID(gomock.Any(), other).Return(nil, sentinel.ErrNotFound),
			s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict),
			s.store.EXPECT().FindByID(gomock.Any(), other).Return(nil, errors.New("connection reset")),
		)

		_, err := s.rec.Reconcile(s.ctx, newSession(s.clock, other))
		kind, _ := models.KindOf(err)
		s.Equal(models.FailureStoreUnavailable, kind)
	})
}

func (s *ReconcilerSuite) TestStoreFailures() {
	s.Run("read failure never fabricates a profile", func() {
		s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(nil, errors.New("dial tcp: connection refused"))

		p, err := s.rec.Reconcile(s.ctx, newSession(s.clock, s.userID))
		s.Nil(p)
		kind, ok := models.KindOf(err)
		s.Require().True(ok)
		s.Equal(models.FailureStoreUnavailable, kind)
		s.Equal(err, s.rec.LastError())

		_, cached := s.cachedEntry()
		s.False(cached)
		_, current := s.rec.Current(s.ctx, s.userID)
		s.False(current)
	})

	s.Run("create failure is store unavailable", func() {
		s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(nil, sentinel.ErrNotFound)
		s.store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

		_, err := s.rec.Reconcile(s.ctx, newSession(s.clock, s.userID))
		kind, _ := models.KindOf(err)
		s.Equal(models.FailureStoreUnavailable, kind)
		s.False(s.rec.Loading(s.userID))
	})

	s.Run("row for another user is rejected", func() {
		s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(completeProfile(id.UserID(uuid.New())), nil)

		_, err := s.rec.Reconcile(s.ctx, newSession(s.clock, s.userID))
		kind, _ := models.KindOf(err)
		s.Equal(models.FailureStoreUnavailable, kind)
	})
}

func (s *ReconcilerSuite) TestSessionAbsent() {
	s.Run("nil session", func() {
		_, err := s.rec.Reconcile(s.ctx, nil)
		kind, _ := models.KindOf(err)
		s.Equal(models.FailureSessionAbsent, kind)
	})

	s.Run("expired session", func() {
		sess := newSession(s.clock, s.userID)
		sess.ExpiresAt = s.clock.Now().Add(-time.Second)

		_, err := s.rec.Reconcile(s.ctx, sess)
		kind, _ := models.KindOf(err)
		s.Equal(models.FailureSessionAbsent, kind)
	})
}

func (s *ReconcilerSuite) TestThrottle() {
	s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(completeProfile(s.userID), nil).Times(1)

	sess := newSession(s.clock, s.userID)
	_, err := s.rec.Reconcile(s.ctx, sess)
	s.Require().NoError(err)

	s.clock.Advance(time.Second)
	p, err := s.rec.Reconcile(s.ctx, sess)
	s.Require().NoError(err)
	s.Equal(s.userID, p.ID)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ReconcileThrottled))

	s.Run("window elapsed reads again", func() {
		s.clock.Advance(DefaultThrottle)
		s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(completeProfile(s.userID), nil)
		_, err := s.rec.Reconcile(s.ctx, sess)
		s.NoError(err)
	})

	s.Run("invalidate reads again inside the window", func() {
		s.rec.Invalidate()
		s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(completeProfile(s.userID), nil)
		_, err := s.rec.Reconcile(s.ctx, sess)
		s.NoError(err)
	})
}

func (s *ReconcilerSuite) TestResetClearsState() {
	s.store.EXPECT().FindByID(gomock.Any(), s.userID).Return(completeProfile(s.userID), nil)
	s.rec.Bind(s.userID)
	_, err := s.rec.Reconcile(s.ctx, newSession(s.clock, s.userID))
	s.Require().NoError(err)

	s.rec.Reset(s.ctx)

	_, ok := s.rec.Current(s.ctx, s.userID)
	s.False(ok)
	_, cached := s.cachedEntry()
	s.False(cached)
}

// =============================================================================
// Concurrency tests
// =============================================================================

// countingStore wraps the in-memory store, counts calls and can hold reads
// until released.
type countingStore struct {
	*store.InMemory
	mu      sync.Mutex
	reads   int
	creates int
	hold    chan struct{}
	entered chan struct{}
	readErr error
}

func newCountingStore() *countingStore {
	return &countingStore{InMemory: store.NewInMemory()}
}

func (c *countingStore) FindByID(ctx context.Context, userID id.UserID) (*models.Profile, error) {
	c.mu.Lock()
	c.reads++
	hold, entered, readErr := c.hold, c.entered, c.readErr
	c.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		<-hold
	}
	if readErr != nil {
		return nil, readErr
	}
	return c.InMemory.FindByID(ctx, userID)
}

func (c *countingStore) Create(ctx context.Context, p *models.Profile) error {
	c.mu.Lock()
	c.creates++
	c.mu.Unlock()
	return c.InMemory.Create(ctx, p)
}

func (c *countingStore) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads, c.creates
}

func TestReconcile_SingleInFlightFetch(t *testing.T) {
	clock := newFakeClock()
	st := newCountingStore()
	st.hold = make(chan struct{})
	st.entered = make(chan struct{}, 1)
	m := metrics.New(prometheus.NewRegistry())
	rec := New(st, cache.New(cache.NewMemory()), WithClock(clock.Now), WithLogger(discardLogger()), WithMetrics(m))
	userID := id.UserID(uuid.New())
	sess := newSession(clock, userID)

	const callers = 20
	results := make(chan *models.Profile, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := rec.Reconcile(context.Background(), sess)
			assert.NoError(t, err)
			results <- p
		}()
	}

	<-st.entered
	assert.True(t, rec.Loading(userID))
	close(st.hold)
	wg.Wait()
	close(results)

	reads, creates := st.counts()
	assert.Equal(t, 1, reads, "exactly one store read")
	assert.Equal(t, 1, creates, "exactly one store insert")
	assert.False(t, rec.Loading(userID))

	var first *models.Profile
	for p := range results {
		require.NotNil(t, p)
		if first == nil {
			first = p
			continue
		}
		assert.Equal(t, first, p)
	}
}

// racingStore makes the first two reads meet before either returns, so both
// reconcilers see "not found" and race to insert.
type racingStore struct {
	*store.InMemory
	barrier sync.WaitGroup
	mu      sync.Mutex
	reads   int
	inserts int
}

func (r *racingStore) FindByID(ctx context.Context, userID id.UserID) (*models.Profile, error) {
	r.mu.Lock()
	r.reads++
	n := r.reads
	r.mu.Unlock()
	p, err := r.InMemory.FindByID(ctx, userID)
	if n <= 2 {
		r.barrier.Done()
		r.barrier.Wait()
	}
	return p, err
}

func (r *racingStore) Create(ctx context.Context, p *models.Profile) error {
	err := r.InMemory.Create(ctx, p)
	if err == nil {
		r.mu.Lock()
		r.inserts++
		r.mu.Unlock()
	}
	return err
}

func TestReconcile_IdempotentCreationAcrossContexts(t *testing.T) {
	clock := newFakeClock()
	st := &racingStore{InMemory: store.NewInMemory()}
	st.barrier.Add(2)
	userID := id.UserID(uuid.New())

	tabA := New(st, cache.New(cache.NewMemory()), WithClock(clock.Now), WithLogger(discardLogger()))
	tabB := New(st, cache.New(cache.NewMemory()), WithClock(clock.Now), WithLogger(discardLogger()))

	var wg sync.WaitGroup
	var pA, pB *models.Profile
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		pA, errA = tabA.Reconcile(context.Background(), newSession(clock, userID))
	}()
	go func() {
		defer wg.Done()
		pB, errB = tabB.Reconcile(context.Background(), newSession(clock, userID))
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, 1, st.inserts, "exactly one row inserted")
	assert.Equal(t, 1, st.Count())
	assert.Equal(t, pA, pB, "both callers observe the same profile")
}

func TestReconcile_SupersededResultIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	st := newCountingStore()
	backend := cache.NewMemory()
	c := cache.New(backend)
	rec := New(st, c, WithClock(clock.Now), WithLogger(discardLogger()))

	alice := id.UserID(uuid.New())
	bob := id.UserID(uuid.New())
	require.NoError(t, st.InMemory.Create(context.Background(), completeProfile(alice)))

	st.hold = make(chan struct{})
	st.entered = make(chan struct{}, 1)
	rec.Bind(alice)

	errs := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(context.Background(), newSession(clock, alice))
		errs <- err
	}()

	<-st.entered
	rec.Reset(context.Background())
	rec.Bind(bob)
	close(st.hold)

	err := <-errs
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.FailureSuperseded, kind)

	_, found := rec.Current(context.Background(), alice)
	assert.False(t, found, "alice's late result must not become current")
	var entry models.CacheEntry
	assert.False(t, c.Get(context.Background(), models.CacheKeyProfile, &entry), "no snapshot written for alice")
	assert.NoError(t, rec.LastError(), "superseded results are not the bound user's error")
}

func TestReconcile_CallerCancellationDoesNotAbortSharedWork(t *testing.T) {
	clock := newFakeClock()
	st := newCountingStore()
	st.hold = make(chan struct{})
	st.entered = make(chan struct{}, 1)
	rec := New(st, cache.New(cache.NewMemory()), WithClock(clock.Now), WithLogger(discardLogger()))
	userID := id.UserID(uuid.New())
	sess := newSession(clock, userID)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(ctx, sess)
		cancelled <- err
	}()
	<-st.entered

	patient := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(context.Background(), sess)
		patient <- err
	}()

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)

	close(st.hold)
	assert.NoError(t, <-patient)
	reads, _ := st.counts()
	assert.Equal(t, 1, reads)
	_, ok := rec.Current(context.Background(), userID)
	assert.True(t, ok)
}

// Scenario C: a stale snapshot for another user is never served.
func TestReconcile_StaleSnapshotForOtherUserIsIgnored(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := newCountingStore()
	c := cache.New(cache.NewMemory())
	userA := id.UserID(uuid.New())
	userB := id.UserID(uuid.New())

	rowA := completeProfile(userA)
	rowA.DisplayName = "User A"
	require.NoError(t, st.InMemory.Create(ctx, rowA))
	c.Set(ctx, models.CacheKeyProfile, models.CacheEntry{UserID: userB, Profile: completeProfile(userB), CachedAt: clock.Now()})

	rec := New(st, c, WithClock(clock.Now), WithLogger(discardLogger()))
	rec.Bind(userA)

	_, ok := rec.Current(ctx, userA)
	assert.False(t, ok, "B's snapshot is a miss for A")

	p, err := rec.Reconcile(ctx, newSession(clock, userA))
	require.NoError(t, err)
	assert.Equal(t, "User A", p.DisplayName)

	current, ok := rec.Current(ctx, userA)
	require.True(t, ok)
	assert.Equal(t, userA, current.ID)
	assert.Equal(t, "User A", current.DisplayName)

	var entry models.CacheEntry
	require.True(t, c.Get(ctx, models.CacheKeyProfile, &entry))
	assert.True(t, entry.OwnedBy(userA))
	assert.False(t, entry.OwnedBy(userB))
}

func TestReconcile_CurrentServesOwnedSnapshotAfterRestart(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := cache.New(cache.NewMemory())
	userID := id.UserID(uuid.New())
	c.Set(ctx, models.CacheKeyProfile, models.CacheEntry{UserID: userID, Profile: completeProfile(userID), CachedAt: clock.Now()})

	rec := New(newCountingStore(), c, WithClock(clock.Now), WithLogger(discardLogger()))
	p, ok := rec.Current(ctx, userID)
	require.True(t, ok)
	assert.Equal(t, userID, p.ID)
}
