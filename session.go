package goSession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Session is the authenticated-session manager handed to domain code. It owns the credential
// slot, the refresh coordinator, the proactive scheduler and the gateway client.
//
// A Session is safe for concurrent use. Build it with New().Build().
type Session struct {
	config      Config
	store       *CredentialStore
	coordinator *Coordinator
	scheduler   *Scheduler
	transport   *Transport
	client      *http.Client
	raw         *http.Client
	audit       *auditDispatcher
	metrics     *Metrics
	logger      *zap.Logger
	clock       Clock
	hooks       []func(error)

	watchCancel context.CancelFunc

	mu        sync.Mutex
	expired   chan struct{}
	isExpired bool
	username  string
	closed    bool
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login describes the login operation and its observable behavior.
//
// Login exchanges username and password for a token pair, stores it, re-arms the coordinator and
// starts the proactive scheduler. A 401 yields ErrInvalidCredentials; any other failure matches
// ErrLoginFailed.
func (s *Session) Login(ctx context.Context, username, password string) error {
	if err := s.ready(); err != nil {
		return err
	}
	username = s.normalizeUsername(username)

	var tr tokenResponse
	err := s.postRaw(ctx, "login", s.config.Endpoints.LoginPath, credentialsRequest{Username: username, Password: password}, &tr)
	if err == nil {
		if tr.Access == "" || tr.Refresh == "" {
			err = fmt.Errorf("%w: login response is missing a token", ErrLoginFailed)
		}
	} else {
		err = classifyLoginError(err)
	}
	if err != nil {
		s.metrics.Inc(MetricLoginFailure)
		s.emitAudit(ctx, auditEventLoginFailure, username, err)
		return err
	}

	if err := s.store.Set(ctx, TokenPair{Access: tr.Access, Refresh: tr.Refresh}); err != nil {
		if !errors.Is(err, errPersist) {
			return err
		}
		s.logger.Warn("login credentials were not persisted", zap.Error(err))
	}

	s.begin(username)
	s.metrics.Inc(MetricLoginSuccess)
	s.emitAudit(ctx, auditEventLoginSuccess, username, nil)
	s.logger.Info("logged in", zap.String("username", username))
	return nil
}

// Register creates the account and, with Config.Account.AutoLoginAfterRegister, logs in.
func (s *Session) Register(ctx context.Context, username, password string) error {
	if err := s.ready(); err != nil {
		return err
	}
	username = s.normalizeUsername(username)

	err := s.postRaw(ctx, "register", s.config.Endpoints.RegisterPath, credentialsRequest{Username: username, Password: password}, nil)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		s.emitAudit(ctx, auditEventRegister, username, err)
		return err
	}

	s.metrics.Inc(MetricRegister)
	s.emitAudit(ctx, auditEventRegister, username, nil)

	if !s.config.Account.AutoLoginAfterRegister {
		return nil
	}
	return s.Login(ctx, username, password)
}

// Logout describes the logout operation and its observable behavior.
//
// Logout stops the scheduler, disarms the coordinator and clears the credential slot. It does
// not signal expiry. Refreshes still in flight settle with ErrLoggedOut.
func (s *Session) Logout(ctx context.Context) error {
	if s == nil || s.coordinator == nil {
		return ErrSessionNotReady
	}

	s.coordinator.Disarm(ErrLoggedOut)
	s.scheduler.Stop()
	err := s.store.Clear(ctx)

	s.mu.Lock()
	username := s.username
	s.username = ""
	s.mu.Unlock()

	s.metrics.Inc(MetricLogout)
	s.emitAudit(ctx, auditEventLogout, username, err)
	s.logger.Info("logged out", zap.String("username", username))
	return err
}

// Resume restores a session persisted by an earlier process. It refreshes right away when the
// stored pair is older than Config.Refresh.ResumeStaleAfter, then starts the scheduler.
//
// It reports whether a live session exists. A transient refresh failure keeps the session and is
// returned alongside true.
func (s *Session) Resume(ctx context.Context) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if err := s.store.Load(ctx); err != nil {
		return false, err
	}
	if _, ok := s.store.Get(); !ok {
		return false, nil
	}

	s.begin("")
	refreshed, err := s.scheduler.checkStale(ctx, s.config.Refresh.ResumeStaleAfter, triggerStartup)

	s.audit.record(ctx, auditEventResume, err, func(ev *AuditEvent) {
		ev.Trigger = triggerStartup
		ev.Metadata = map[string]string{"refreshed": fmt.Sprint(refreshed)}
	})

	if err != nil && IsTerminal(err) {
		return false, err
	}
	return true, err
}

// begin arms everything for a new session.
func (s *Session) begin(username string) {
	s.mu.Lock()
	if s.isExpired {
		s.expired = make(chan struct{})
		s.isExpired = false
	}
	if username != "" {
		s.username = username
	}
	s.mu.Unlock()

	s.coordinator.Arm()
	s.scheduler.Start()
}

// handleExpired runs once per terminal refresh failure.
func (s *Session) handleExpired(err error) {
	s.scheduler.Stop()

	s.mu.Lock()
	if !s.isExpired {
		close(s.expired)
		s.isExpired = true
	}
	username := s.username
	s.mu.Unlock()

	s.metrics.Inc(MetricSessionExpired)
	s.emitAudit(context.Background(), auditEventSessionExpired, username, err)
	s.logger.Warn("session expired", zap.String("username", username), zap.Error(err))

	for _, hook := range s.hooks {
		hook(err)
	}
}

// Expired returns a channel closed when the session dies from a terminal refresh failure. After
// the next Login a fresh channel is returned.
func (s *Session) Expired() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// Request sends an authenticated JSON request and decodes a 2xx JSON response into out.
//
// path is resolved against Config.Endpoints.BaseURL. body and out may be nil. Non-2xx responses
// become a *ResponseError matching ErrRequestFailed; session death matches ErrSessionExpired.
func (s *Session) Request(ctx context.Context, method, path string, body, out any) error {
	if err := s.ready(); err != nil {
		return err
	}
	op := method + " " + path

	target, err := s.config.endpoint(path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || IsTerminal(err) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrAuthorizationFailure) {
			return err
		}
		return networkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, payload, ErrRequestFailed)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// HTTPClient returns a client whose transport is the request gateway, for callers that need more
// than Request offers.
func (s *Session) HTTPClient() *http.Client {
	return s.client
}

// EnsureFreshToken refreshes now, or joins the refresh already in flight.
func (s *Session) EnsureFreshToken(ctx context.Context) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.coordinator.EnsureFreshToken(ctx)
}

// Authenticated reports whether a token pair is currently held.
func (s *Session) Authenticated() bool {
	if s == nil || s.store == nil {
		return false
	}
	_, ok := s.store.Get()
	return ok
}

// State returns the refresh coordinator state.
func (s *Session) State() RefreshState {
	return s.coordinator.State()
}

// Close describes the close operation and its observable behavior.
//
// Close stops the scheduler and the visibility watcher and flushes the audit dispatcher. Stored
// credentials are kept so a later process can Resume.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.audit.Close()
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped returns the number of audit events dropped because the buffer was full.
func (s *Session) AuditDropped() uint64 {
	if s == nil {
		return 0
	}
	return s.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot returns a point-in-time copy of the session counters.
func (s *Session) MetricsSnapshot() MetricsSnapshot {
	if s == nil || s.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return s.metrics.Snapshot()
}

func (s *Session) ready() error {
	if s == nil || s.coordinator == nil {
		return ErrSessionNotReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) normalizeUsername(username string) string {
	username = strings.TrimSpace(username)
	if s.config.Account.LowercaseUsername {
		username = strings.ToLower(username)
	}
	return username
}

// postRaw sends an unauthenticated JSON POST through the raw client. Login and registration never
// go through the gateway.
func (s *Session) postRaw(ctx context.Context, op, path string, body, out any) error {
	target, err := s.config.endpoint(path)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.config.HTTP.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.HTTP.UserAgent)
	}

	resp, err := s.raw.Do(req)
	if err != nil {
		return networkError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, data, ErrNetwork)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, data, ErrRequestFailed)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func classifyLoginError(err error) error {
	var rerr *ResponseError
	if errors.As(err, &rerr) && rerr.StatusCode == http.StatusUnauthorized {
		return &ResponseError{Op: rerr.Op, StatusCode: rerr.StatusCode, Body: rerr.Body, Err: ErrInvalidCredentials}
	}
	return fmt.Errorf("%w: %w", ErrLoginFailed, err)
}

func (s *Session) emitAudit(ctx context.Context, eventType, username string, err error) {
	s.audit.record(ctx, eventType, err, func(ev *AuditEvent) {
		ev.Username = username
	})
}
