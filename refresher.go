package goSession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// tokenResponse is the body of both the login and the refresh endpoint.
type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// tokenRefresher performs the refresh call. It is the only component that rotates the stored
// pair, and it talks to the server through a client that never goes through Transport.
type tokenRefresher struct {
	client    *http.Client
	url       string
	userAgent string
	store     *CredentialStore
	clock     Clock
	logger    *zap.Logger
	metrics   *Metrics
}

// refresh exchanges the stored refresh token for a new pair and returns the new access token.
//
// Errors:
//   - ErrNoCredential: nothing stored.
//   - ErrNetwork: no response or a 5xx; the stored pair is left untouched.
//   - ErrRefreshRejected: any 4xx or a 200 that breaks the contract; the stored pair is cleared.
//   - errSuperseded: a login or logout replaced the pair while the call was in flight. On a
//     rejection it is wrapped together with ErrRefreshRejected.
func (r *tokenRefresher) refresh(ctx context.Context) (string, error) {
	used := r.store.RefreshToken()
	if used == "" {
		return "", ErrNoCredential
	}

	payload, err := json.Marshal(refreshRequest{Refresh: used})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.Inc(MetricRefreshNetworkFailure)
		r.logger.Warn("refresh call failed", zap.Error(err))
		return "", networkError("refresh", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		r.metrics.Inc(MetricRefreshNetworkFailure)
		r.logger.Warn("refresh endpoint unavailable", zap.Int("status", resp.StatusCode))
		return "", statusError("refresh", resp.StatusCode, body, ErrNetwork)
	case resp.StatusCode != http.StatusOK:
		return "", r.reject(ctx, used, statusError("refresh", resp.StatusCode, body, ErrRefreshRejected))
	}

	if readErr != nil {
		// the server may already have rotated the token we sent
		return "", r.reject(ctx, used, fmt.Errorf("%w: read refresh response: %w", ErrRefreshRejected, readErr))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", r.reject(ctx, used, fmt.Errorf("%w: decode refresh response: %w", ErrRefreshRejected, err))
	}
	next := TokenPair{Access: tr.Access, Refresh: tr.Refresh, IssuedAt: r.clock.Now()}
	if !next.Valid() {
		return "", r.reject(ctx, used, fmt.Errorf("%w: refresh response is missing a token", ErrRefreshRejected))
	}

	if err := r.store.Rotate(ctx, used, next); err != nil {
		if !errors.Is(err, errPersist) {
			return "", err
		}
		r.logger.Warn("rotated credentials were not persisted", zap.Error(err))
	}

	r.metrics.Inc(MetricRefreshSuccess)
	return next.Access, nil
}

// reject clears the slot, unless a newer login already replaced the pair that was sent.
func (r *tokenRefresher) reject(ctx context.Context, used string, cause error) error {
	r.metrics.Inc(MetricRefreshRejected)

	cleared, err := r.store.ClearIf(ctx, used)
	if err != nil {
		r.logger.Warn("clearing rejected credentials failed", zap.Error(err))
	}
	r.logger.Info("refresh token rejected", zap.Bool("cleared", cleared), zap.Error(cause))
	if !cleared {
		return fmt.Errorf("%w: %w", errSuperseded, cause)
	}
	return cause
}
