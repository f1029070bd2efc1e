package store

import "errors"

// ErrUnavailable wraps backend failures (Redis down, unwritable file).
var ErrUnavailable = errors.New("credential store unavailable")
