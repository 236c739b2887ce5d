package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bloodlink/internal/cache"
	"bloodlink/internal/profile/models"
	"bloodlink/internal/profile/service"
	"bloodlink/internal/profile/store"
	"bloodlink/internal/session/memory"
	sessionModels "bloodlink/internal/session/models"
	id "bloodlink/pkg/domain"
	"bloodlink/pkg/testutil"
)

type redirect struct {
	path  string
	query url.Values
}

type recordingRouter struct {
	mu        sync.Mutex
	current   string
	redirects []redirect
}

func (r *recordingRouter) Redirect(path string, query url.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirects = append(r.redirects, redirect{path: path, query: query})
}

func (r *recordingRouter) CurrentPath() string {
	return r.current
}

func (r *recordingRouter) all() []redirect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]redirect(nil), r.redirects...)
}

type sourcePrincipal struct {
	*memory.Source
}

func (p sourcePrincipal) CurrentSession(ctx context.Context) (*sessionModels.Session, error) {
	return p.Current(ctx)
}

// flakyStore fails the first `failures` reads, then behaves like the
// in-memory store. onRead runs before each read with its 1-based number.
type flakyStore struct {
	*store.InMemory
	mu       sync.Mutex
	failures int
	reads    int
	onRead   func(n int)
}

func (f *flakyStore) FindByID(ctx context.Context, userID id.UserID) (*models.Profile, error) {
	f.mu.Lock()
	f.reads++
	n := f.reads
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	hook := f.onRead
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if fail {
		return nil, errors.New("store unreachable")
	}
	return f.InMemory.FindByID(ctx, userID)
}

func (f *flakyStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type fixture struct {
	ctx        context.Context
	source     *memory.Source
	store      *flakyStore
	cache      *cache.Cache
	reconciler *service.Reconciler
	router     *recordingRouter
	userID     id.UserID
	sess       *sessionModels.Session
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		source: memory.New(),
		store:  &flakyStore{InMemory: store.NewInMemory()},
		cache:  cache.New(cache.NewMemory(), cache.WithLogger(discardLogger())),
		router: &recordingRouter{current: "/app/requests"},
		userID: id.UserID(uuid.New()),
	}
	f.reconciler = service.New(f.store, f.cache, service.WithLogger(discardLogger()))
	f.sess = &sessionModels.Session{
		ID:        uuid.NewString(),
		UserID:    f.userID,
		Email:     "farhan@example.com",
		Phone:     "+8801900000000",
		Metadata:  map[string]string{"full_name": "Farhan Ahmed"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	return f
}

func (f *fixture) signIn() {
	f.source.SignIn(f.sess)
	f.reconciler.Bind(f.userID)
}

func (f *fixture) accessGate(opts ...AccessOption) *AccessGate {
	base := []AccessOption{
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithAccessLogger(discardLogger()),
	}
	return NewAccessGate(sourcePrincipal{f.source}, f.reconciler, f.router, append(base, opts...)...)
}

func (f *fixture) registrationGate() *RegistrationGate {
	return NewRegistrationGate(sourcePrincipal{f.source}, f.store, f.cache, f.router,
		WithRegistrationLogger(discardLogger()))
}

func completeRow(userID id.UserID) *models.Profile {
	return &models.Profile{
		ID:          userID,
		DisplayName: "Farhan Ahmed",
		Phone:       "+8801900000001",
		Role:        models.RoleDonor,
		BloodGroup:  "B+",
		Region:      "Sylhet",
		District:    "Sylhet",
		Locality:    "Zindabazar",
	}
}

// =============================================================================
// Access gate
// =============================================================================

func TestAccessGate_NoSessionRedirectsOnce(t *testing.T) {
	f := newFixture(t)

	d := f.accessGate().Run(f.ctx)

	assert.Equal(t, OutcomeRedirect, d.Outcome)
	assert.Equal(t, StateUnauthenticated, d.State)
	assert.NoError(t, d.Err)
	require.Len(t, f.router.all(), 1)
	assert.Equal(t, DefaultSignInPath, f.router.all()[0].path)
	assert.Equal(t, "/app/requests", f.router.all()[0].query.Get(RedirectParam))
	assert.Zero(t, f.store.readCount())
}

func TestAccessGate_BoundedRetrySingleRedirect(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(f.ctx, completeRow(f.userID)))
	f.store.failures = 3
	f.signIn()

	d := f.accessGate().Run(f.ctx)

	assert.Equal(t, OutcomeRedirect, d.Outcome)
	assert.Equal(t, StateUnauthenticated, d.State)
	assert.Equal(t, 3, f.store.readCount(), "one store read per attempt, no more")
	assert.Equal(t, []State{StateInitializing, StateAuthenticated, StateRecovering, StateUnauthenticated}, d.Trace)
	require.Len(t, f.router.all(), 1, "exactly one redirect")
	assert.Equal(t, DefaultSignInPath, f.router.all()[0].path)
	kind, ok := models.KindOf(d.Err)
	require.True(t, ok)
	assert.Equal(t, models.FailureStoreUnavailable, kind)
}

func TestAccessGate_RecoverySucceedsAfterTwoFailures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(f.ctx, completeRow(f.userID)))
	f.store.failures = 2
	f.signIn()

	d := f.accessGate().Run(f.ctx)

	assert.Equal(t, OutcomeRender, d.Outcome)
	assert.Equal(t, StateReady, d.State)
	assert.Empty(t, f.router.all())
	assert.Equal(t, 3, f.store.readCount())
	require.NotNil(t, d.Profile)
	assert.Equal(t, f.userID, d.Profile.ID)
}

func TestAccessGate_ResolvedProfileSkipsRecovery(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(f.ctx, completeRow(f.userID)))
	f.signIn()
	_, err := f.reconciler.Reconcile(f.ctx, f.sess)
	require.NoError(t, err)
	readsBefore := f.store.readCount()

	d := f.accessGate().Run(f.ctx)

	assert.Equal(t, StateReady, d.State)
	assert.Equal(t, readsBefore, f.store.readCount())
}

// Scenario D: the session disappears while recovering.
func TestAccessGate_SignOutDuringRecovery(t *testing.T) {
	f := newFixture(t)
	f.store.failures = 3
	f.store.onRead = func(n int) {
		if n == 1 {
			assert.NoError(t, f.source.SignOut(context.Background()))
		}
	}
	f.signIn()

	d := f.accessGate().Run(f.ctx)

	assert.Equal(t, StateUnauthenticated, d.State)
	assert.Equal(t, 1, f.store.readCount(), "no retries after the session is gone")
	require.Len(t, f.router.all(), 1)
	assert.Equal(t, DefaultSignInPath, f.router.all()[0].path)
	assert.ErrorIs(t, d.Err, errSessionLost)
}

// resolverFunc lets a test script the reconciler's answers.
type resolverFunc struct {
	current func(userID id.UserID) (*models.Profile, bool)
}

func (r resolverFunc) Current(_ context.Context, userID id.UserID) (*models.Profile, bool) {
	return r.current(userID)
}
func (resolverFunc) Loading(id.UserID) bool { return false }
func (resolverFunc) Reconcile(context.Context, *sessionModels.Session) (*models.Profile, error) {
	return nil, errors.New("unexpected reconcile")
}

// inFlightResolver reports a load already under way and answers Reconcile
// from a script. An exhausted script resolves the profile.
type inFlightResolver struct {
	mu      sync.Mutex
	answers []error
	calls   int
	profile *models.Profile
}

func (r *inFlightResolver) Current(context.Context, id.UserID) (*models.Profile, bool) {
	return nil, false
}
func (r *inFlightResolver) Loading(id.UserID) bool { return true }
func (r *inFlightResolver) Reconcile(context.Context, *sessionModels.Session) (*models.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.answers) > 0 {
		err := r.answers[0]
		r.answers = r.answers[1:]
		if err != nil {
			return nil, err
		}
	}
	return r.profile, nil
}

func (f *fixture) joiningGate(resolver ProfileResolver) *AccessGate {
	return NewAccessGate(sourcePrincipal{f.source}, resolver, f.router,
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithAccessLogger(discardLogger()),
	)
}

func TestAccessGate_JoinedLoadCountsAgainstBudget(t *testing.T) {
	f := newFixture(t)
	f.signIn()
	down := models.NewFailure(models.FailureStoreUnavailable, f.userID, errors.New("store unreachable"))

	t.Run("three failures including the joined load redirect once", func(t *testing.T) {
		resolver := &inFlightResolver{answers: []error{down, down, down, nil}, profile: completeRow(f.userID)}
		f.router = &recordingRouter{current: "/app/requests"}

		d := f.joiningGate(resolver).Run(f.ctx)

		assert.Equal(t, StateUnauthenticated, d.State)
		assert.Equal(t, 3, resolver.calls)
		require.Len(t, f.router.all(), 1)
		assert.Equal(t, []State{StateInitializing, StateAuthenticated, StateRecovering, StateUnauthenticated}, d.Trace)
	})

	t.Run("joined failure then two recovery attempts can still succeed", func(t *testing.T) {
		resolver := &inFlightResolver{answers: []error{down, down, nil}, profile: completeRow(f.userID)}
		f.router = &recordingRouter{current: "/app/requests"}

		d := f.joiningGate(resolver).Run(f.ctx)

		assert.Equal(t, StateReady, d.State)
		assert.Equal(t, 3, resolver.calls)
		assert.Empty(t, f.router.all())
	})

	t.Run("joined load that succeeds skips recovery", func(t *testing.T) {
		resolver := &inFlightResolver{profile: completeRow(f.userID)}
		f.router = &recordingRouter{current: "/app/requests"}

		d := f.joiningGate(resolver).Run(f.ctx)

		assert.Equal(t, StateReady, d.State)
		assert.Equal(t, 1, resolver.calls)
		assert.Equal(t, []State{StateInitializing, StateAuthenticated, StateReady}, d.Trace)
	})

	t.Run("non-retryable joined failure ends the run", func(t *testing.T) {
		resolver := &inFlightResolver{
			answers: []error{models.NewFailure(models.FailureStoreConflict, f.userID, errors.New("conflict"))},
			profile: completeRow(f.userID),
		}
		f.router = &recordingRouter{current: "/app/requests"}

		d := f.joiningGate(resolver).Run(f.ctx)

		assert.Equal(t, StateUnauthenticated, d.State)
		assert.Equal(t, 1, resolver.calls)
		require.Len(t, f.router.all(), 1)
	})
}

func TestAccessGate_ReplacedSessionIsResolvedAgain(t *testing.T) {
	f := newFixture(t)
	f.signIn()
	other := &sessionModels.Session{
		ID:        uuid.NewString(),
		UserID:    id.UserID(uuid.New()),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	var seen []id.UserID
	resolver := resolverFunc{current: func(userID id.UserID) (*models.Profile, bool) {
		seen = append(seen, userID)
		if userID == f.userID {
			f.source.SignIn(other)
		}
		return completeRow(userID), true
	}}

	d := NewAccessGate(sourcePrincipal{f.source}, resolver, f.router).Run(f.ctx)

	assert.Equal(t, StateReady, d.State)
	assert.Equal(t, []id.UserID{f.userID, other.UserID}, seen)
	assert.Equal(t, other.UserID, d.Session.UserID)
	assert.Empty(t, f.router.all())
}

// =============================================================================
// Registration gate
// =============================================================================

// Scenario A: new session, empty store.
func TestScenario_NewUserIsSentToCompletion(t *testing.T) {
	testutil.Scenario(t, "first sign-in with no profile row", func(t *testing.T) {
		f := newFixture(t)
		var access, reg Decision

		testutil.Given(t, "a signed-in user and an empty store", func(t *testing.T) {
			f.signIn()
			require.Zero(t, f.store.Count())
		})

		testutil.When(t, "the access gate runs", func(t *testing.T) {
			access = f.accessGate().Run(f.ctx)
		})

		testutil.Then(t, "a default profile is provisioned and access is granted", func(t *testing.T) {
			require.Equal(t, StateReady, access.State)
			require.NotNil(t, access.Profile)
			assert.False(t, access.Profile.IsComplete())
			assert.Equal(t, 1, f.store.Count())
		})

		testutil.When(t, "the registration gate runs", func(t *testing.T) {
			reg = f.registrationGate().Run(f.ctx)
		})

		testutil.Then(t, "the user is sent to completion with a resumable identity", func(t *testing.T) {
			assert.Equal(t, OutcomeRedirect, reg.Outcome)
			assert.Equal(t, StateIncomplete, reg.State)
			require.Len(t, f.router.all(), 1)
			assert.Equal(t, DefaultCompletionPath, f.router.all()[0].path)
			kind, _ := models.KindOf(reg.Err)
			assert.Equal(t, models.FailureValidationIncomplete, kind)

			var pending models.ResumableIdentity
			require.True(t, f.cache.Get(f.ctx, models.CacheKeyPendingRegistration, &pending))
			assert.Equal(t, f.userID, pending.UserID)
			assert.Equal(t, "farhan@example.com", pending.Email)
			assert.Equal(t, "+8801900000000", pending.Phone, "falls back to the session phone")
		})
	})
}

// Scenario B: complete row present.
func TestScenario_CompleteProfileRenders(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(f.ctx, completeRow(f.userID)))
	f.signIn()

	access := f.accessGate().Run(f.ctx)
	assert.Equal(t, StateReady, access.State)

	reg := f.registrationGate().Run(f.ctx)
	assert.Equal(t, OutcomeRender, reg.Outcome)
	assert.Equal(t, StateComplete, reg.State)
	assert.Empty(t, f.router.all())

	var pending models.ResumableIdentity
	assert.False(t, f.cache.Get(f.ctx, models.CacheKeyPendingRegistration, &pending))
}

// erroringReader returns a fixed row/error pair.
type erroringReader struct {
	row *models.Profile
	err error
}

func (e erroringReader) FindByID(context.Context, id.UserID) (*models.Profile, error) {
	return e.row, e.err
}

func TestRegistrationGate_NeverRendersOnError(t *testing.T) {
	tests := []struct {
		name   string
		reader func(userID id.UserID) ProfileReader
	}{
		{"store unreachable", func(id.UserID) ProfileReader {
			return erroringReader{err: errors.New("connection refused")}
		}},
		{"nil row", func(id.UserID) ProfileReader {
			return erroringReader{}
		}},
		{"row for another user", func(id.UserID) ProfileReader {
			return erroringReader{row: completeRow(id.UserID(uuid.New()))}
		}},
		{"incomplete row", func(userID id.UserID) ProfileReader {
			row := completeRow(userID)
			row.Locality = ""
			return erroringReader{row: row}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.signIn()

			d := NewRegistrationGate(sourcePrincipal{f.source}, tt.reader(f.userID), f.cache, f.router,
				WithRegistrationLogger(discardLogger())).Run(f.ctx)

			assert.Equal(t, OutcomeRedirect, d.Outcome)
			assert.False(t, d.Rendered())
			assert.Equal(t, StateIncomplete, d.State)
			require.Len(t, f.router.all(), 1)
			assert.Equal(t, DefaultCompletionPath, f.router.all()[0].path)
			var pending models.ResumableIdentity
			require.True(t, f.cache.Get(f.ctx, models.CacheKeyPendingRegistration, &pending))
			assert.Equal(t, f.userID, pending.UserID)
		})
	}
}

func TestRegistrationGate_PrefersStoredPhone(t *testing.T) {
	f := newFixture(t)
	row := completeRow(f.userID)
	row.District = ""
	require.NoError(t, f.store.Create(f.ctx, row))
	f.signIn()

	f.registrationGate().Run(f.ctx)

	var pending models.ResumableIdentity
	require.True(t, f.cache.Get(f.ctx, models.CacheKeyPendingRegistration, &pending))
	assert.Equal(t, "+8801900000001", pending.Phone)
}

func TestRegistrationGate_NoSessionRedirectsToSignIn(t *testing.T) {
	f := newFixture(t)

	d := f.registrationGate().Run(f.ctx)

	assert.Equal(t, StateUnauthenticated, d.State)
	require.Len(t, f.router.all(), 1)
	assert.Equal(t, DefaultSignInPath, f.router.all()[0].path)
	var pending models.ResumableIdentity
	assert.False(t, f.cache.Get(f.ctx, models.CacheKeyPendingRegistration, &pending))
}
