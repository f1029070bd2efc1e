package goSession

import (
	"context"

	"github.com/MrEthical07/goSession/jwt"
	"golang.org/x/oauth2"
)

// TokenSource adapts the session to oauth2.TokenSource for clients built on x/oauth2. Expired
// access tokens are refreshed through the coordinator, so these clients share the single flight.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, session: s}
}

type sessionTokenSource struct {
	ctx     context.Context
	session *Session
}

func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	s := ts.session
	if err := s.ready(); err != nil {
		return nil, err
	}

	access := s.store.AccessToken()
	if access == "" {
		return nil, ErrNoCredential
	}
	tok := bearerToken(access)
	if tok.Expiry.IsZero() || s.clock.Now().Before(tok.Expiry) {
		return tok, nil
	}

	access, err := s.coordinator.ensure(ts.ctx, triggerTokenSource)
	if err != nil {
		return nil, err
	}
	return bearerToken(access), nil
}

func bearerToken(access string) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if lt, err := jwt.Inspect(access); err == nil {
		tok.Expiry = lt.ExpiresAt
	}
	return tok
}
