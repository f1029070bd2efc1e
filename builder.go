package goSession

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/MrEthical07/goSession/store"
	"go.uber.org/zap"
)

// Builder defines a public type used by goSession APIs.
//
// Builder instances are intended to be configured during initialization and then used once.
type Builder struct {
	config      Config
	backend     PersistentStore
	logger      *zap.Logger
	auditSink   AuditSink
	clock       Clock
	visibility  VisibilitySource
	httpClient  *http.Client
	expiryHooks []func(error)

	built bool
}

// New describes the new operation and its observable behavior.
//
// New returns a Builder holding DefaultConfig, an in-memory credential store and a no-op logger.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig replaces the whole configuration. It is validated by Build.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the durable slot credentials are persisted to. Defaults to store.NewMemory().
func (b *Builder) WithStore(backend PersistentStore) *Builder {
	b.backend = backend
	return b
}

// WithLogger describes the withlogger operation and its observable behavior.
//
// Token values are never logged.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink sets the sink and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithVisibility enables the resume check on hidden to visible transitions of src.
func (b *Builder) WithVisibility(src VisibilitySource) *Builder {
	b.visibility = src
	return b
}

// WithHTTPClient sets the client used for login, registration and refresh. Its Transport also
// becomes the base of the request gateway.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// OnSessionExpired registers fn to run once each time the session dies from a terminal refresh
// failure. fn runs on the refreshing goroutine and must not block for long.
func (b *Builder) OnSessionExpired(fn func(error)) *Builder {
	if fn != nil {
		b.expiryHooks = append(b.expiryHooks, fn)
	}
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms describes the withlatencyhistograms operation and its observable behavior.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build validates the configuration and wires the session. It performs no I/O: call
// Session.Resume to pick up persisted credentials, or Session.Login.
func (b *Builder) Build() (*Session, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	refreshEndpoint, err := cfg.endpoint(cfg.Endpoints.RefreshPath)
	if err != nil {
		return nil, err
	}
	refreshURL, err := url.Parse(refreshEndpoint)
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = systemClock{}
	}
	backend := b.backend
	if backend == nil {
		backend = store.NewMemory()
	}

	// -------- RAW CLIENT --------
	raw := b.httpClient
	if raw == nil {
		raw = &http.Client{Timeout: cfg.HTTP.Timeout}
	}

	metrics := NewMetrics(cfg.Metrics)
	audit := newAuditDispatcher(cfg.Audit, b.auditSink, clock)
	credentials := NewCredentialStore(backend, cfg.Store, clock)

	s := &Session{
		config:  cfg,
		store:   credentials,
		raw:     raw,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
		clock:   clock,
		hooks:   append([]func(error){}, b.expiryHooks...),
		expired: make(chan struct{}),
	}

	// -------- REFRESH PATH --------
	refresher := &tokenRefresher{
		client:    raw,
		url:       refreshEndpoint,
		userAgent: cfg.HTTP.UserAgent,
		store:     credentials,
		clock:     clock,
		logger:    logger.Named("refresher"),
		metrics:   metrics,
	}
	s.coordinator = newCoordinator(refresher.refresh, credentials, clock, logger.Named("coordinator"), metrics, audit, s.handleExpired)
	s.scheduler = newScheduler(s.coordinator, credentials, clock, cfg.Refresh, logger.Named("scheduler"), metrics)

	// -------- GATEWAY --------
	s.transport = &Transport{
		Base:            raw.Transport,
		coordinator:     s.coordinator,
		store:           credentials,
		refreshURL:      refreshURL,
		requestIDHeader: cfg.HTTP.RequestIDHeader,
		userAgent:       cfg.HTTP.UserAgent,
		metrics:         metrics,
		logger:          logger.Named("transport"),
	}
	s.client = &http.Client{
		Transport:     s.transport,
		CheckRedirect: raw.CheckRedirect,
		Jar:           raw.Jar,
		Timeout:       cfg.HTTP.Timeout,
	}

	// -------- RESUME WATCHER --------
	if b.visibility != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.watchCancel = cancel
		go s.scheduler.watch(ctx, b.visibility)
	}

	b.built = true
	return s, nil
}
