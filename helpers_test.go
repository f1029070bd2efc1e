package goSession

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goSession/internal/authtest"
	"github.com/MrEthical07/goSession/store"
)

const (
	testUser     = "alice"
	testPassword = "correct-password-123"
)

// fakeClock fires AfterFunc callbacks only from Advance, on the caller's goroutine.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that became due, in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the delays of armed timers relative to now.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

func newTestServer(t *testing.T) *authtest.Server {
	t.Helper()
	srv, err := authtest.NewServer(authtest.Config{})
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(srv.Close)
	if err := srv.AddUser(testUser, testPassword); err != nil {
		t.Fatalf("add user: %v", err)
	}
	return srv
}

func testConfig(srv *authtest.Server) Config {
	cfg := DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL()
	cfg.Metrics.Enabled = true
	return cfg
}

type sessionOption func(*Builder)

func newTestSession(t *testing.T, srv *authtest.Server, opts ...sessionOption) *Session {
	t.Helper()

	b := New().
		WithConfig(testConfig(srv)).
		WithHTTPClient(srv.Client())
	for _, opt := range opts {
		opt(b)
	}

	s, err := b.Build()
	if err != nil {
		t.Fatalf("build session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func loggedInSession(t *testing.T, srv *authtest.Server, opts ...sessionOption) *Session {
	t.Helper()
	s := newTestSession(t, srv, opts...)
	if err := s.Login(context.Background(), testUser, testPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	return s
}

func newTestCredentialStore(clock Clock) *CredentialStore {
	return NewCredentialStore(store.NewMemory(), defaultConfig().Store, clock)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
