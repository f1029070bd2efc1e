package jwt

import (
	"errors"
	"fmt"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssuerConfig configures an HS256 Issuer.
type IssuerConfig struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Now    func() time.Time
}

// Issuer mints and verifies short-lived HS256 access tokens.
type Issuer struct {
	config IssuerConfig
}

// AccessClaims are the claims carried by minted access tokens.
type AccessClaims struct {
	SID string `json:"sid"`
	gjwt.RegisteredClaims
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("hs256 requires a secret of at least 16 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{config: cfg}, nil
}

// Mint returns a token for subject bound to session sid. Every token gets a fresh jti, so two
// tokens minted in the same second still differ.
func (i *Issuer) Mint(subject, sid string) (string, error) {
	now := i.config.Now()
	claims := AccessClaims{
		SID: sid,
		RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.NewString(),
			Issuer:    i.config.Issuer,
			IssuedAt:  gjwt.NewNumericDate(now),
			ExpiresAt: gjwt.NewNumericDate(now.Add(i.config.TTL)),
		},
	}
	return gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString(i.config.Secret)
}

// Verify checks signature, algorithm, issuer and expiry.
func (i *Issuer) Verify(token string) (*AccessClaims, error) {
	options := []gjwt.ParserOption{
		gjwt.WithValidMethods([]string{gjwt.SigningMethodHS256.Alg()}),
		gjwt.WithTimeFunc(i.config.Now),
		gjwt.WithExpirationRequired(),
	}
	if i.config.Issuer != "" {
		options = append(options, gjwt.WithIssuer(i.config.Issuer))
	}

	parsed, err := gjwt.NewParser(options...).ParseWithClaims(token, &AccessClaims{}, func(t *gjwt.Token) (interface{}, error) {
		if t.Method.Alg() != gjwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return i.config.Secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, gjwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
