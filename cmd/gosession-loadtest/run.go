package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/internal/authtest"
	"github.com/MrEthical07/goSession/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errSingleFlight = errors.New("single-flight violated")

const password = "loadtest-password-123"

func run(ctx context.Context, cfg *Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := goSession.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client, cleanup, err := openRedis(cfg.Redis.Addr, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := authtest.NewServer(authtest.Config{})
	if err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	defer srv.Close()
	srv.SetRefreshDelay(cfg.Load.Latency)

	sessions, err := openSessions(ctx, cfg, srv, client, logger)
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	if err != nil {
		return err
	}

	var failed []error
	for round := 1; round <= cfg.Load.Rounds; round++ {
		before := srv.Counters()
		srv.ExpireAccessTokens()

		stats := runRound(ctx, sessions, cfg.Load.Workers, cfg.Load.Requests)
		after := srv.Counters()

		refreshes := after.RefreshCalls - before.RefreshCalls
		printStats(out, fmt.Sprintf("round %d", round), stats)
		fmt.Fprintf(out, "round %d: refreshes=%d sessions=%d reuse=%d\n", round, refreshes, len(sessions), after.ReuseDetected)

		if refreshes != int64(len(sessions)) {
			failed = append(failed, fmt.Errorf("%w: round %d made %d refresh calls for %d sessions", errSingleFlight, round, refreshes, len(sessions)))
		}
		if stats.failures > 0 {
			failed = append(failed, fmt.Errorf("round %d: %d requests failed", round, stats.failures))
		}
	}

	final := srv.Counters()
	if final.ReuseDetected > 0 {
		failed = append(failed, fmt.Errorf("server detected %d refresh token replays", final.ReuseDetected))
	}

	printTotals(out, sessions)
	return errors.Join(failed...)
}

func openRedis(addr string, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		logger.Info("using miniredis", zap.String("addr", mr.Addr()))
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	logger.Info("using redis", zap.String("addr", addr))
	return client, func() { _ = client.Close() }, nil
}

func openSessions(ctx context.Context, cfg *Config, srv *authtest.Server, client redis.UniversalClient, logger *zap.Logger) ([]*goSession.Session, error) {
	sessions := make([]*goSession.Session, 0, cfg.Load.Sessions)
	for i := 0; i < cfg.Load.Sessions; i++ {
		username := fmt.Sprintf("user-%d", i)

		scfg := goSession.DefaultConfig()
		scfg.Endpoints.BaseURL = srv.URL()
		scfg.Metrics.Enabled = true
		scfg.Metrics.EnableLatencyHistograms = true
		// keep the proactive timer out of the measured rounds
		scfg.Refresh.Interval = time.Hour

		s, err := goSession.New().
			WithConfig(scfg).
			WithHTTPClient(srv.Client()).
			WithStore(store.NewRedis(client, cfg.Redis.Prefix, username, cfg.Redis.TTL)).
			WithLogger(logger.With(zap.String("session", username))).
			Build()
		if err != nil {
			return sessions, err
		}
		sessions = append(sessions, s)

		if err := s.Register(ctx, username, password); err != nil {
			return sessions, fmt.Errorf("register %s: %w", username, err)
		}
	}
	return sessions, nil
}

func runRound(ctx context.Context, sessions []*goSession.Session, workers, requests int) roundStats {
	var (
		wg        sync.WaitGroup
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, len(sessions)*workers*requests)
	)

	start := time.Now()
	for _, s := range sessions {
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(s *goSession.Session) {
				defer wg.Done()
				local := make([]time.Duration, 0, requests)
				for i := 0; i < requests; i++ {
					var expenses []authtest.Expense
					t0 := time.Now()
					err := s.Request(ctx, http.MethodGet, "expenses/", nil, &expenses)
					local = append(local, time.Since(t0))
					if err != nil {
						failures.Add(1)
					}
				}
				mu.Lock()
				latencies = append(latencies, local...)
				mu.Unlock()
			}(s)
		}
	}
	wg.Wait()

	return computeStats(time.Since(start), latencies, failures.Load())
}

type roundStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) roundStats {
	if len(samples) == 0 {
		return roundStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return roundStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(out io.Writer, name string, s roundStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func printTotals(out io.Writer, sessions []*goSession.Session) {
	var retried, joined, refreshed uint64
	for _, s := range sessions {
		snap := s.MetricsSnapshot()
		retried += snap.Counters[goSession.MetricRequestRetried]
		joined += snap.Counters[goSession.MetricRefreshJoined]
		refreshed += snap.Counters[goSession.MetricRefreshSuccess]
	}
	fmt.Fprintf(out, "---- totals ----\nrefreshes=%d retried_requests=%d joined_waiters=%d\n", refreshed, retried, joined)
}
