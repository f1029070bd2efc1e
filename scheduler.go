package goSession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrEthical07/goSession/jwt"
	"go.uber.org/zap"
)

// Scheduler refreshes ahead of expiry. It is advisory: requests stay correct without it because
// Transport refreshes on 401.
type Scheduler struct {
	coordinator *Coordinator
	store       *CredentialStore
	clock       Clock
	cfg         RefreshConfig
	logger      *zap.Logger
	metrics     *Metrics

	mu      sync.Mutex
	timer   Timer
	gen     uint64
	running bool
}

func newScheduler(coordinator *Coordinator, store *CredentialStore, clock Clock, cfg RefreshConfig, logger *zap.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Scheduler{
		coordinator: coordinator,
		store:       store,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

// Start (re)arms the proactive timer. Any previously armed timer is cancelled first.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.running = true
	s.armLocked(s.nextDelay())
}

// Stop cancels the timer. A refresh already started by it still completes but is not followed
// by another one.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) stopLocked() {
	s.gen++
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) armLocked(d time.Duration) {
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	if !s.current(gen) {
		return
	}
	if _, ok := s.store.Get(); !ok {
		s.logger.Debug("proactive refresh skipped, no credentials")
		s.Stop()
		return
	}

	s.metrics.Inc(MetricProactiveRefresh)
	_, err := s.coordinator.ensure(context.Background(), triggerProactive)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || !s.running {
		return
	}

	switch {
	case err == nil:
		s.armLocked(s.nextDelay())
	case errors.Is(err, ErrNetwork):
		s.logger.Info("proactive refresh failed, retrying", zap.Duration("retry_in", s.cfg.RetryInterval), zap.Error(err))
		s.armLocked(s.cfg.RetryInterval)
	default:
		s.logger.Info("proactive refresh stopped", zap.Error(err))
		s.stopLocked()
	}
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.running
}

// nextDelay is the fixed interval minus the age of the stored pair, or, with UseTokenExpiry,
// the time until LifetimeFraction of the access token's lifetime has elapsed.
func (s *Scheduler) nextDelay() time.Duration {
	if s.cfg.UseTokenExpiry {
		if lt, err := jwt.Inspect(s.store.AccessToken()); err == nil {
			d := lt.RefreshAt(s.cfg.LifetimeFraction).Sub(s.clock.Now())
			if d < s.cfg.MinInterval {
				d = s.cfg.MinInterval
			}
			return d
		}
	}

	age := s.store.TimeSinceLastRefresh()
	switch {
	case age < 0:
		return s.cfg.Interval
	case age >= s.cfg.Interval:
		return 0
	default:
		return s.cfg.Interval - age
	}
}

// checkStale refreshes immediately when the stored pair is older than threshold. Requests sent
// meanwhile wait for that refresh. It reports whether a refresh was attempted.
func (s *Scheduler) checkStale(ctx context.Context, threshold time.Duration, trigger string) (bool, error) {
	if _, ok := s.store.Get(); !ok {
		return false, nil
	}
	if age := s.store.TimeSinceLastRefresh(); age <= threshold {
		return false, nil
	}

	s.metrics.Inc(MetricResumeRefresh)
	_, err := s.coordinator.ensure(ctx, trigger)
	if err == nil && s.Running() {
		s.Start()
	}
	return true, err
}

// watch runs the resume check on every hidden to visible transition until ctx is done.
func (s *Scheduler) watch(ctx context.Context, src VisibilitySource) {
	events := src.Watch(ctx)
	last := Visible
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-events:
			if !ok {
				return
			}
			if last == Hidden && v == Visible {
				if _, err := s.checkStale(ctx, s.cfg.StaleAfter, triggerVisibility); err != nil {
					s.logger.Info("resume refresh failed", zap.Error(err))
				}
			}
			last = v
		}
	}
}
