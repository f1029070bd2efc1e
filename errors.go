package goSession

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned when no refresh token is stored: the user never logged in or
	// has already logged out.
	ErrNoCredential = errors.New("no credential")
	// ErrNetwork is returned when the refresh endpoint (or an API endpoint) could not be reached
	// or answered with a server-side failure. It never tears down the session.
	ErrNetwork = errors.New("network error")
	// ErrRefreshRejected is returned when the server refused the refresh token (invalid, expired
	// or reused). It always tears down the session.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrAuthorizationFailure is returned when a request is still unauthorized after one refresh
	// and one resend.
	ErrAuthorizationFailure = errors.New("authorization failure")
	// ErrSessionExpired is the distinguished signal for unrecoverable session death. Every error
	// produced by a terminal refresh failure matches it.
	ErrSessionExpired = errors.New("session expired")
	// ErrLoggedOut is returned by refresh attempts after an explicit Logout.
	ErrLoggedOut = errors.New("logged out")
	// ErrInvalidCredentials is returned by Login when the server answers 401.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLoginFailed is returned by Login for any other failure.
	ErrLoginFailed = errors.New("login failed")
	// ErrRegistrationFailed is returned by Register when the account could not be created.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrRequestFailed is returned by Session.Request for non-2xx responses other than the
	// authorization failures handled by the transport.
	ErrRequestFailed = errors.New("request failed")
	// ErrSessionClosed is returned after Session.Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotReady is returned when a zero or partially built Session is used.
	ErrSessionNotReady = errors.New("session not initialized")
)

// ResponseError carries the HTTP details of a failed call. It unwraps to one of the sentinels
// above so callers can keep using errors.Is.
type ResponseError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Err, e.StatusCode, e.Body)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err means the session is gone and the user has to sign in again.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNoCredential) || errors.Is(err, ErrLoggedOut)
}

func terminalRefreshError(cause error) error {
	return errors.Join(ErrSessionExpired, cause)
}

func networkError(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, cause)
}

const maxErrorBody = 512

func statusError(op string, status int, body []byte, sentinel error) *ResponseError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &ResponseError{
		Op:         op,
		StatusCode: status,
		Body:       string(body),
		Err:        sentinel,
	}
}
