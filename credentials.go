package goSession

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

// PersistentStore is the durable key/value slot the credentials live in. SetAll must write all
// values or none.
type PersistentStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetAll(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// TokenPair is the access/refresh credential. Both tokens are present or both are absent.
type TokenPair struct {
	Access   string
	Refresh  string
	IssuedAt time.Time
}

// Valid reports whether both tokens are present.
func (p TokenPair) Valid() bool {
	return p.Access != "" && p.Refresh != ""
}

var (
	errPersist = errors.New("credential persistence failed")
	// errSuperseded means the pair a refresh was working on was replaced or cleared meanwhile.
	errSuperseded = errors.New("credential pair superseded")
)

// CredentialStore keeps the current TokenPair in memory and mirrors it to a PersistentStore.
// It performs no validation of token contents.
type CredentialStore struct {
	backend PersistentStore
	keys    StoreConfig
	clock   Clock

	writeMu sync.Mutex

	mu      sync.RWMutex
	current TokenPair
}

func NewCredentialStore(backend PersistentStore, keys StoreConfig, clock Clock) *CredentialStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &CredentialStore{
		backend: backend,
		keys:    keys,
		clock:   clock,
	}
}

// Load hydrates the in-memory pair from the backend. A partial pair left behind by an older
// writer is discarded.
func (s *CredentialStore) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	access, _, err := s.backend.Get(ctx, s.keys.AccessTokenKey)
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}
	refresh, _, err := s.backend.Get(ctx, s.keys.RefreshTokenKey)
	if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}
	last, _, err := s.backend.Get(ctx, s.keys.LastRefreshKey)
	if err != nil {
		return fmt.Errorf("load last refresh: %w", err)
	}

	pair := TokenPair{Access: access, Refresh: refresh}
	if !pair.Valid() {
		s.setCurrent(TokenPair{})
		if access != "" || refresh != "" || last != "" {
			return s.deleteAll(ctx)
		}
		return nil
	}

	if ms, perr := strconv.ParseInt(last, 10, 64); perr == nil && ms > 0 {
		pair.IssuedAt = time.UnixMilli(ms)
	}
	s.setCurrent(pair)
	return nil
}

// Get returns the current pair.
func (s *CredentialStore) Get() (TokenPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current.Valid()
}

// AccessToken returns the token used to stamp outgoing requests, or "".
func (s *CredentialStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Access
}

func (s *CredentialStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Refresh
}

// Set replaces the pair wholesale. A zero IssuedAt is stamped with the current time.
func (s *CredentialStore) Set(ctx context.Context, pair TokenPair) error {
	if !pair.Valid() {
		return errors.New("credential pair requires both tokens")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.write(ctx, pair)
}

// Rotate replaces the pair only while the stored refresh token is still used. It returns
// errSuperseded when the slot was cleared or replaced in the meantime.
func (s *CredentialStore) Rotate(ctx context.Context, used string, next TokenPair) error {
	if !next.Valid() {
		return errors.New("credential pair requires both tokens")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur := s.RefreshToken(); cur == "" || cur != used {
		return errSuperseded
	}
	return s.write(ctx, next)
}

// Clear forgets the pair in memory and in the backend.
func (s *CredentialStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.setCurrent(TokenPair{})
	return s.deleteAll(ctx)
}

// ClearIf clears the pair only while the stored refresh token is still used. It reports whether
// anything was cleared.
func (s *CredentialStore) ClearIf(ctx context.Context, used string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur := s.RefreshToken(); cur == "" || cur != used {
		return false, nil
	}
	s.setCurrent(TokenPair{})
	return true, s.deleteAll(ctx)
}

// TimeSinceLastRefresh is the age of the stored pair. An empty slot reports the maximum
// duration so it always counts as stale.
func (s *CredentialStore) TimeSinceLastRefresh() time.Duration {
	s.mu.RLock()
	issued := s.current.IssuedAt
	valid := s.current.Valid()
	s.mu.RUnlock()

	if !valid || issued.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return s.clock.Now().Sub(issued)
}

// write persists pair and then publishes it in memory. The in-memory copy is published even when
// the backend fails: the server already accepted the pair, so this process keeps using it.
func (s *CredentialStore) write(ctx context.Context, pair TokenPair) error {
	if pair.IssuedAt.IsZero() {
		pair.IssuedAt = s.clock.Now()
	}

	err := s.backend.SetAll(ctx, map[string]string{
		s.keys.AccessTokenKey:  pair.Access,
		s.keys.RefreshTokenKey: pair.Refresh,
		s.keys.LastRefreshKey:  strconv.FormatInt(pair.IssuedAt.UnixMilli(), 10),
	})
	s.setCurrent(pair)
	if err != nil {
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	return nil
}

func (s *CredentialStore) deleteAll(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.keys.AccessTokenKey, s.keys.RefreshTokenKey, s.keys.LastRefreshKey); err != nil {
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	return nil
}

func (s *CredentialStore) setCurrent(pair TokenPair) {
	s.mu.Lock()
	s.current = pair
	s.mu.Unlock()
}
