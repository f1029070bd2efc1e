package goSession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubRefresher hands out tokens from a counter. While gate is non-nil every call blocks on it,
// after reading the refresh token it rotates.
type stubRefresher struct {
	calls atomic.Int64
	gate  chan struct{}
	err   error
	store *CredentialStore
}

func (r *stubRefresher) refresh(ctx context.Context) (string, error) {
	n := r.calls.Add(1)
	used := r.store.RefreshToken()
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		if errors.Is(r.err, ErrRefreshRejected) {
			_ = r.store.Clear(ctx)
		}
		return "", r.err
	}
	next := TokenPair{Access: fmt.Sprintf("access-%d", n), Refresh: fmt.Sprintf("refresh-%d", n)}
	if err := r.store.Rotate(ctx, used, next); err != nil {
		return "", err
	}
	return next.Access, nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	refresher   *stubRefresher
	store       *CredentialStore
	metrics     *Metrics
	expired     atomic.Int64
	expiredErr  atomic.Value
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()

	f := &coordinatorFixture{
		store:   newTestCredentialStore(nil),
		metrics: NewMetrics(MetricsConfig{Enabled: true}),
	}
	f.refresher = &stubRefresher{store: f.store}
	f.coordinator = newCoordinator(f.refresher.refresh, f.store, nil, nil, f.metrics, nil, func(err error) {
		f.expired.Add(1)
		f.expiredErr.Store(err)
	})

	if err := f.store.Set(context.Background(), TokenPair{Access: "access-0", Refresh: "refresh-0"}); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
	f.coordinator.Arm()
	return f
}

// runConcurrent starts n EnsureFreshToken calls while the refresh is held, waits until all of them
// joined the single flight, then releases it.
func (f *coordinatorFixture) runConcurrent(t *testing.T, n int) ([]string, []error) {
	t.Helper()

	f.refresher.gate = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(n)
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.coordinator.EnsureFreshToken(context.Background())
		}(i)
	}

	waitFor(t, "callers to join the in-flight refresh", func() bool {
		return f.metrics.Value(MetricRefreshJoined) == uint64(n-1)
	})
	close(f.refresher.gate)
	wg.Wait()
	return tokens, errs
}

func TestCoordinatorStartsLoggedOut(t *testing.T) {
	refresher := &stubRefresher{store: newTestCredentialStore(nil)}
	c := newCoordinator(refresher.refresh, refresher.store, nil, nil, nil, nil, nil)

	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged_out, got %s", c.State())
	}
	if _, err := c.EnsureFreshToken(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if refresher.calls.Load() != 0 {
		t.Fatal("expected no refresh before the coordinator is armed")
	}
}

func TestEnsureFreshTokenSingleFlight(t *testing.T) {
	f := newCoordinatorFixture(t)

	const n = 64
	tokens, errs := f.runConcurrent(t, n)

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if tokens[i] != "access-1" {
			t.Fatalf("caller %d got %q, expected access-1", i, tokens[i])
		}
	}
	if got := f.refresher.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if f.coordinator.State() != StateIdle {
		t.Fatalf("expected idle after success, got %s", f.coordinator.State())
	}
}

func TestEnsureFreshTokenSequentialCallsRefreshEachTime(t *testing.T) {
	f := newCoordinatorFixture(t)

	first, err := f.coordinator.EnsureFreshToken(context.Background())
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	second, err := f.coordinator.EnsureFreshToken(context.Background())
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if first == second {
		t.Fatal("expected a settled refresh not to be reused by a later caller")
	}
	if got := f.refresher.calls.Load(); got != 2 {
		t.Fatalf("expected two refreshes, got %d", got)
	}
}

func TestTerminalFailureRejectsEveryWaiter(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresher.err = ErrRefreshRejected

	const n = 16
	_, errs := f.runConcurrent(t, n)

	for i, err := range errs {
		if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, ErrRefreshRejected) {
			t.Fatalf("caller %d: expected session expired rejection, got %v", i, err)
		}
		if err != errs[0] {
			t.Fatalf("caller %d observed a different outcome", i)
		}
	}
	if f.coordinator.State() != StateLoggedOut {
		t.Fatalf("expected logged_out, got %s", f.coordinator.State())
	}
	if _, ok := f.store.Get(); ok {
		t.Fatal("expected credentials to be cleared")
	}
	if got := f.expired.Load(); got != 1 {
		t.Fatalf("expected expiry callback once, got %d", got)
	}

	// late arrivals get the same outcome without another network call
	_, err := f.coordinator.EnsureFreshToken(context.Background())
	if err != errs[0] {
		t.Fatalf("expected late caller to observe the teardown error, got %v", err)
	}
	if got := f.refresher.calls.Load(); got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
}

func TestNetworkFailureKeepsSessionAlive(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresher.err = networkError("refresh", errors.New("connection refused"))

	_, errs := f.runConcurrent(t, 8)
	for i, err := range errs {
		if !errors.Is(err, ErrNetwork) {
			t.Fatalf("caller %d: expected ErrNetwork, got %v", i, err)
		}
		if IsTerminal(err) {
			t.Fatalf("caller %d: network error must not be terminal", i)
		}
	}

	if f.coordinator.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.coordinator.State())
	}
	pair, ok := f.store.Get()
	if !ok || pair.Refresh != "refresh-0" {
		t.Fatalf("expected credentials untouched, got %+v", pair)
	}
	if f.expired.Load() != 0 {
		t.Fatal("expiry callback must not fire on network errors")
	}

	f.refresher.err = nil
	f.refresher.gate = nil
	if _, err := f.coordinator.EnsureFreshToken(context.Background()); err != nil {
		t.Fatalf("retry after network error: %v", err)
	}
}

func TestWaiterCancellationDoesNotCancelRefresh(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresher.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() {
		_, err := f.coordinator.EnsureFreshToken(ctx)
		started <- err
	}()
	waitFor(t, "refresh to start", func() bool { return f.refresher.calls.Load() == 1 })

	joined := make(chan string, 1)
	go func() {
		tok, _ := f.coordinator.EnsureFreshToken(context.Background())
		joined <- tok
	}()
	waitFor(t, "second caller to join", func() bool { return f.metrics.Value(MetricRefreshJoined) == 1 })

	cancel()
	if err := <-started; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected initiator to see its own cancellation, got %v", err)
	}

	close(f.refresher.gate)
	if tok := <-joined; tok != "access-1" {
		t.Fatalf("expected joined caller to get access-1, got %q", tok)
	}
}

func TestRefreshAfterSkipsAlreadyRotatedToken(t *testing.T) {
	f := newCoordinatorFixture(t)

	fresh, err := f.coordinator.EnsureFreshToken(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// a 401 for a request stamped before the refresh settled
	tok, err := f.coordinator.refreshAfter(context.Background(), "access-0")
	if err != nil {
		t.Fatalf("refreshAfter: %v", err)
	}
	if tok != fresh {
		t.Fatalf("expected current token %q, got %q", fresh, tok)
	}
	if got := f.refresher.calls.Load(); got != 1 {
		t.Fatalf("expected no second rotation, got %d refreshes", got)
	}

	if _, err := f.coordinator.refreshAfter(context.Background(), fresh); err != nil {
		t.Fatalf("refreshAfter current token: %v", err)
	}
	if got := f.refresher.calls.Load(); got != 2 {
		t.Fatalf("expected a refresh for the current token, got %d", got)
	}
}

func TestDisarmDuringRefreshSettlesWaitersWithLogout(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresher.gate = make(chan struct{})

	result := make(chan error, 1)
	go func() {
		_, err := f.coordinator.EnsureFreshToken(context.Background())
		result <- err
	}()
	waitFor(t, "refresh to start", func() bool { return f.refresher.calls.Load() == 1 })

	f.coordinator.Disarm(ErrLoggedOut)
	if err := f.store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	close(f.refresher.gate)

	if err := <-result; !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if _, ok := f.store.Get(); ok {
		t.Fatal("a refresh settling after logout must not resurrect credentials")
	}
	if f.expired.Load() != 0 {
		t.Fatal("logout must not fire the expiry callback")
	}
	if f.coordinator.State() != StateLoggedOut {
		t.Fatalf("expected logged_out, got %s", f.coordinator.State())
	}
}

func TestAwaitInFlightHoldsUntilSettled(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresher.gate = make(chan struct{})

	go func() { _, _ = f.coordinator.EnsureFreshToken(context.Background()) }()
	waitFor(t, "refresh to start", func() bool { return f.refresher.calls.Load() == 1 })

	released := make(chan error, 1)
	go func() { released <- f.coordinator.awaitInFlight(context.Background()) }()

	select {
	case <-released:
		t.Fatal("request must wait for the in-flight refresh")
	case <-time.After(20 * time.Millisecond):
	}

	close(f.refresher.gate)
	if err := <-released; err != nil {
		t.Fatalf("awaitInFlight: %v", err)
	}
	if tok := f.store.AccessToken(); tok != "access-1" {
		t.Fatalf("expected rotated token to be visible, got %q", tok)
	}
}

func TestArmAfterTeardownAllowsRefresh(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresher.err = ErrRefreshRejected
	if _, err := f.coordinator.EnsureFreshToken(context.Background()); !IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}

	f.refresher.err = nil
	if err := f.store.Set(context.Background(), TokenPair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	f.coordinator.Arm()
	if _, err := f.coordinator.EnsureFreshToken(context.Background()); err != nil {
		t.Fatalf("refresh after re-arm: %v", err)
	}
}

// startHeld starts n EnsureFreshToken calls against a gated refresh and returns once all of them
// joined it. Results arrive on the returned channels after the gate is closed.
func (f *coordinatorFixture) startHeld(t *testing.T, n int) (<-chan string, <-chan error) {
	t.Helper()

	f.refresher.gate = make(chan struct{})
	tokens := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			tok, err := f.coordinator.EnsureFreshToken(context.Background())
			tokens <- tok
			errs <- err
		}()
	}
	waitFor(t, "callers to join the in-flight refresh", func() bool {
		return f.refresher.calls.Load() == 1 && f.metrics.Value(MetricRefreshJoined) == uint64(n-1)
	})
	return tokens, errs
}

func TestArmDuringRefreshHandsWaitersTheNewSession(t *testing.T) {
	f := newCoordinatorFixture(t)
	const n = 4
	tokens, errs := f.startHeld(t, n)

	login := TokenPair{Access: "login-access", Refresh: "login-refresh"}
	if err := f.store.Set(context.Background(), login); err != nil {
		t.Fatalf("set: %v", err)
	}
	f.coordinator.Arm()
	close(f.refresher.gate)

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if tok := <-tokens; tok != login.Access {
			t.Fatalf("caller %d got %q, expected the new session's token", i, tok)
		}
	}
	if f.expired.Load() != 0 {
		t.Fatal("expiry callback must not fire for a live session")
	}
	if f.coordinator.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.coordinator.State())
	}
	if pair, _ := f.store.Get(); pair != login {
		t.Fatalf("expected the login pair to survive, got %+v", pair)
	}
}

func TestPairReplacedBeforeArmIsNotSessionDeath(t *testing.T) {
	f := newCoordinatorFixture(t)
	tokens, errs := f.startHeld(t, 2)

	// the login's pair is stored but the coordinator is not re-armed yet
	login := TokenPair{Access: "login-access", Refresh: "login-refresh"}
	if err := f.store.Set(context.Background(), login); err != nil {
		t.Fatalf("set: %v", err)
	}
	close(f.refresher.gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
		if tok := <-tokens; tok != login.Access {
			t.Fatalf("caller %d got %q, expected the new session's token", i, tok)
		}
	}
	if f.coordinator.State() != StateIdle {
		t.Fatalf("expected idle, got %s", f.coordinator.State())
	}
	if f.expired.Load() != 0 {
		t.Fatal("expiry callback must not fire for a live session")
	}

	f.coordinator.Arm()
	f.refresher.gate = nil
	if _, err := f.coordinator.EnsureFreshToken(context.Background()); err != nil {
		t.Fatalf("refresh after login: %v", err)
	}
}

func TestDisarmedFlightThatSucceedsStillReportsLogout(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, errs := f.startHeld(t, 1)

	// logout between Disarm and clearing the slot: the rotation itself still succeeds
	f.coordinator.Disarm(ErrLoggedOut)
	close(f.refresher.gate)

	if err := <-errs; !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if f.coordinator.State() != StateLoggedOut {
		t.Fatalf("expected logged_out, got %s", f.coordinator.State())
	}
}

func TestAwaitInFlightFailsFastAfterSessionDeath(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.refresher.err = ErrRefreshRejected
	if _, err := f.coordinator.EnsureFreshToken(context.Background()); !IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}

	if err := f.coordinator.awaitInFlight(context.Background()); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	// a logged-out or never-armed coordinator lets requests through
	f.coordinator.Disarm(ErrLoggedOut)
	if err := f.coordinator.awaitInFlight(context.Background()); err != nil {
		t.Fatalf("expected no error after logout, got %v", err)
	}
}

func TestRefreshLatencyUsesInjectedClock(t *testing.T) {
	clock := newFakeClock()
	creds := newTestCredentialStore(clock)
	if err := creds.Set(context.Background(), TokenPair{Access: "a0", Refresh: "r0"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	metrics := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	refresh := func(ctx context.Context) (string, error) {
		clock.Advance(300 * time.Millisecond)
		return "a1", creds.Rotate(ctx, "r0", TokenPair{Access: "a1", Refresh: "r1"})
	}
	c := newCoordinator(refresh, creds, clock, nil, metrics, nil, nil)
	c.Arm()

	if _, err := c.EnsureFreshToken(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	buckets := metrics.Snapshot().Histograms[MetricRefreshLatency]
	want := make([]uint64, histBucketCount)
	want[bucketIndex(300*time.Millisecond)] = 1
	for i := range want {
		if buckets[i] != want[i] {
			t.Fatalf("expected buckets %v, got %v", want, buckets)
		}
	}
}
