package jwt

import (
	"errors"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when a token carries no exp claim.
var ErrNoExpiry = errors.New("token has no expiry claim")

// Lifetime is the validity window declared by a token.
type Lifetime struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Inspect decodes the registered timing claims of token without verifying its signature.
// A missing iat is reported as the zero time.
func Inspect(token string) (Lifetime, error) {
	var claims gjwt.RegisteredClaims
	if _, _, err := gjwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Lifetime{}, err
	}
	if claims.ExpiresAt == nil {
		return Lifetime{}, ErrNoExpiry
	}

	lt := Lifetime{ExpiresAt: claims.ExpiresAt.Time}
	if claims.IssuedAt != nil {
		lt.IssuedAt = claims.IssuedAt.Time
	}
	return lt, nil
}

// Duration is the declared lifetime, or 0 when iat is unknown or not before exp.
func (l Lifetime) Duration() time.Duration {
	if l.IssuedAt.IsZero() || !l.ExpiresAt.After(l.IssuedAt) {
		return 0
	}
	return l.ExpiresAt.Sub(l.IssuedAt)
}

// RefreshAt is the instant at which fraction of the lifetime has elapsed. Without iat it falls
// back to the expiry itself.
func (l Lifetime) RefreshAt(fraction float64) time.Time {
	d := l.Duration()
	if d == 0 {
		return l.ExpiresAt
	}
	return l.IssuedAt.Add(time.Duration(float64(d) * fraction))
}

func (l Lifetime) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
