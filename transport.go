package goSession

import (
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport is the request gateway: an http.RoundTripper that stamps the current access token
// on every request and, on a 401, refreshes through the Coordinator and resends the request once.
//
// Requests to the refresh endpoint pass through untouched and are never retried.
type Transport struct {
	// Base performs the actual round trips. nil means http.DefaultTransport.
	Base http.RoundTripper

	coordinator     *Coordinator
	store           *CredentialStore
	refreshURL      *url.URL
	requestIDHeader string
	userAgent       string
	metrics         *Metrics
	logger          *zap.Logger
}

// attempt tracks one logical request across its resend.
type attempt struct {
	retried   bool
	requestID string
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.isRefreshRequest(req) {
		return t.base().RoundTrip(req)
	}

	if err := t.coordinator.awaitInFlight(req.Context()); err != nil {
		closeRequestBody(req)
		return nil, err
	}

	att := &attempt{requestID: req.Header.Get(t.requestIDHeader)}
	if t.requestIDHeader != "" && att.requestID == "" {
		att.requestID = uuid.NewString()
	}

	token := t.store.AccessToken()
	resp, err := t.base().RoundTrip(t.prepare(req, req.Body, token, att))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if !replayable(req) {
		return resp, nil
	}
	discard(resp)
	att.retried = true

	fresh, err := t.coordinator.refreshAfter(req.Context(), token)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if req.GetBody != nil {
		if body, err = req.GetBody(); err != nil {
			return nil, err
		}
	}

	t.metrics.Inc(MetricRequestRetried)
	resp, err = t.base().RoundTrip(t.prepare(req, body, fresh, att))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// still unauthorized with a token that was just issued: the resource refuses this user
	t.metrics.Inc(MetricAuthorizationFailure)
	t.logger.Info("request unauthorized after refresh",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.String("request_id", att.requestID),
	)
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	discard(resp)
	return nil, statusError(req.Method+" "+req.URL.Path, resp.StatusCode, payload, ErrAuthorizationFailure)
}

// prepare clones req with body, the bearer token and the request ID. RoundTrippers must not
// modify the caller's request.
func (t *Transport) prepare(req *http.Request, body io.ReadCloser, token string, att *attempt) *http.Request {
	out := req.Clone(req.Context())
	out.Body = body
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	if att.requestID != "" {
		out.Header.Set(t.requestIDHeader, att.requestID)
	}
	if t.userAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", t.userAgent)
	}
	return out
}

func (t *Transport) isRefreshRequest(req *http.Request) bool {
	if t.refreshURL == nil || req.URL == nil {
		return false
	}
	return req.URL.Host == t.refreshURL.Host && req.URL.Path == t.refreshURL.Path
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
