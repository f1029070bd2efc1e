//go:build integration
// +build integration

package test

import (
	"context"
	"os"
	"testing"
	"time"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/internal/authtest"
	"github.com/MrEthical07/goSession/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testUser     = "alice"
	testPassword = "correct-password-123"
)

// redisMode describes which Redis backend a test runs against.
type redisMode struct {
	name  string
	setup func(t *testing.T) (redis.UniversalClient, func())
}

// redisModes returns miniredis, plus a real server when REDIS_ADDR is set.
func redisModes(t *testing.T) []redisMode {
	t.Helper()
	modes := []redisMode{
		{
			name: "miniredis",
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				mr, err := miniredis.Run()
				if err != nil {
					t.Fatalf("miniredis: %v", err)
				}
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				return rdb, func() { _ = rdb.Close(); mr.Close() }
			},
		},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis at %s: %v", addr, err)
				}
				rdb.FlushDB(context.Background())
				return rdb, func() { rdb.FlushDB(context.Background()); _ = rdb.Close() }
			},
		})
	}

	return modes
}

func newAPI(t *testing.T) *authtest.Server {
	t.Helper()
	srv, err := authtest.NewServer(authtest.Config{})
	if err != nil {
		t.Fatalf("start api: %v", err)
	}
	t.Cleanup(srv.Close)
	if err := srv.AddUser(testUser, testPassword); err != nil {
		t.Fatalf("add user: %v", err)
	}
	return srv
}

func newRedisSession(t *testing.T, srv *authtest.Server, rdb redis.UniversalClient, slot string) *goSession.Session {
	t.Helper()
	cfg := goSession.DefaultConfig()
	cfg.Endpoints.BaseURL = srv.URL()
	cfg.Metrics.Enabled = true

	s, err := goSession.New().
		WithConfig(cfg).
		WithHTTPClient(srv.Client()).
		WithStore(store.NewRedis(rdb, "gs-it", slot, time.Hour)).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}
