package goSession

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RefreshState is the coordinator's position in the refresh state machine.
type RefreshState uint8

const (
	// StateIdle means no refresh is running; the next caller starts one.
	StateIdle RefreshState = iota
	// StateRefreshing means one refresh is in flight; callers join it.
	StateRefreshing
	// StateLoggedOut is a sink entered on logout or terminal refresh failure. Only Arm leaves it.
	StateLoggedOut
)

func (s RefreshState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

const (
	triggerDemand       = "demand"
	triggerUnauthorized = "unauthorized"
	triggerProactive    = "proactive"
	triggerVisibility   = "visibility"
	triggerStartup      = "startup"
	triggerTokenSource  = "token_source"
)

// flight is one in-flight refresh. done is closed exactly once, after token and err are set.
type flight struct {
	done    chan struct{}
	token   string
	err     error
	waiters int
}

// Coordinator serializes refreshes: however many callers ask for a fresh token while a refresh is
// running, exactly one refresh call is made and every caller observes its outcome.
type Coordinator struct {
	refresh   func(ctx context.Context) (string, error)
	store     *CredentialStore
	clock     Clock
	logger    *zap.Logger
	metrics   *Metrics
	audit     *auditDispatcher
	onExpired func(error)

	mu          sync.Mutex
	state       RefreshState
	flight      *flight
	terminalErr error
}

// newCoordinator returns a coordinator in StateLoggedOut. Login or Resume arms it.
func newCoordinator(refresh func(context.Context) (string, error), store *CredentialStore, clock Clock, logger *zap.Logger, metrics *Metrics, audit *auditDispatcher, onExpired func(error)) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Coordinator{
		refresh:     refresh,
		store:       store,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		audit:       audit,
		onExpired:   onExpired,
		state:       StateLoggedOut,
		terminalErr: ErrNoCredential,
	}
}

// State returns the current state.
func (c *Coordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureFreshToken refreshes the access token, or joins the refresh already in flight, and
// returns the resulting access token.
//
// ctx bounds only the caller's wait. The refresh itself keeps running when ctx is cancelled so
// that other waiters still get an outcome.
func (c *Coordinator) EnsureFreshToken(ctx context.Context) (string, error) {
	return c.acquire(ctx, triggerDemand, "")
}

// refreshAfter is EnsureFreshToken for a request rejected with the access token used. When a
// refresh already replaced used, the current token is returned without another rotation.
func (c *Coordinator) refreshAfter(ctx context.Context, used string) (string, error) {
	return c.acquire(ctx, triggerUnauthorized, used)
}

func (c *Coordinator) ensure(ctx context.Context, trigger string) (string, error) {
	return c.acquire(ctx, trigger, "")
}

func (c *Coordinator) acquire(ctx context.Context, trigger, used string) (string, error) {
	c.mu.Lock()
	switch c.state {
	case StateLoggedOut:
		err := c.terminalErr
		c.mu.Unlock()
		return "", err
	case StateRefreshing:
		f := c.flight
		f.waiters++
		c.mu.Unlock()
		c.metrics.Inc(MetricRefreshJoined)
		return wait(ctx, f)
	}

	if used != "" {
		if cur := c.store.AccessToken(); cur != "" && cur != used {
			c.mu.Unlock()
			return cur, nil
		}
	}

	f := &flight{done: make(chan struct{})}
	c.flight = f
	c.state = StateRefreshing
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), f, trigger)
	return wait(ctx, f)
}

// awaitInFlight holds a request while a refresh is running. It fails when the session already
// died, or when the refresh it waited for ended the session; a transient failure lets the request
// go out with the token it has.
func (c *Coordinator) awaitInFlight(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateLoggedOut:
		err := c.terminalErr
		c.mu.Unlock()
		if errors.Is(err, ErrSessionExpired) {
			return err
		}
		return nil
	case StateIdle:
		c.mu.Unlock()
		return nil
	}
	f := c.flight
	f.waiters++
	c.mu.Unlock()

	c.metrics.Inc(MetricRefreshJoined)
	_, err := wait(ctx, f)
	if err != nil && (IsTerminal(err) || ctx.Err() != nil) {
		return err
	}
	return nil
}

func wait(ctx context.Context, f *flight) (string, error) {
	select {
	case <-f.done:
		return f.token, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, f *flight, trigger string) {
	start := c.clock.Now()
	token, err := c.refresh(ctx)
	elapsed := c.clock.Now().Sub(start)
	c.metrics.Observe(MetricRefreshLatency, elapsed)

	c.mu.Lock()
	current := c.flight == f
	if !current || errors.Is(err, errSuperseded) {
		// Arm or Disarm detached this flight, or a login replaced the pair under it. Either way
		// the outcome belongs to the newer state.
		token, err = c.supersededLocked()
	}
	terminal := current && err != nil && isTerminalRefresh(err)
	if terminal {
		err = terminalRefreshError(err)
	}
	if current {
		c.flight = nil
		if terminal {
			c.state = StateLoggedOut
			c.terminalErr = err
		} else {
			c.state = StateIdle
		}
	}
	f.token, f.err = token, err
	waiters := f.waiters
	close(f.done)
	c.mu.Unlock()

	c.record(trigger, waiters, elapsed, err)

	if terminal && c.onExpired != nil {
		c.onExpired(err)
	}
}

func (c *Coordinator) supersededLocked() (string, error) {
	if c.state == StateLoggedOut {
		return "", c.terminalErr
	}
	if tok := c.store.AccessToken(); tok != "" {
		return tok, nil
	}
	return "", ErrNoCredential
}

func (c *Coordinator) record(trigger string, waiters int, elapsed time.Duration, err error) {
	eventType := auditEventRefreshSuccess
	switch {
	case err == nil:
		c.logger.Debug("access token refreshed",
			zap.String("trigger", trigger),
			zap.Int("waiters", waiters),
			zap.Duration("elapsed", elapsed),
		)
	case errors.Is(err, ErrSessionExpired):
		eventType = auditEventRefreshRejected
		c.logger.Warn("refresh failed, session expired",
			zap.String("trigger", trigger),
			zap.Int("waiters", waiters),
			zap.Error(err),
		)
	default:
		eventType = auditEventRefreshFailure
		c.logger.Warn("refresh failed",
			zap.String("trigger", trigger),
			zap.Int("waiters", waiters),
			zap.Error(err),
		)
	}

	c.audit.record(context.Background(), eventType, err, func(ev *AuditEvent) {
		ev.Trigger = trigger
		ev.Metadata = map[string]string{
			"waiters":    strconv.Itoa(waiters),
			"elapsed_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
		}
	})
}

// Arm returns the coordinator to StateIdle after a login. A refresh still in flight is detached:
// it can no longer change the state, and its waiters receive the new session's token.
func (c *Coordinator) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flight = nil
	c.state = StateIdle
	c.terminalErr = nil
}

// Disarm moves the coordinator to StateLoggedOut without firing the expiry callback. Every
// later caller gets err.
func (c *Coordinator) Disarm(err error) {
	if err == nil {
		err = ErrLoggedOut
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.flight = nil
	c.state = StateLoggedOut
	c.terminalErr = err
}

func isTerminalRefresh(err error) bool {
	return errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrNoCredential)
}
