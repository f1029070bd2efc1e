package test

import (
	"context"
	"errors"
	"net/http"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/store"
	"github.com/redis/go-redis/v9"
)

// ExampleNew builds a session whose credentials live in Redis.
func ExampleNew() {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})

	cfg := goSession.DefaultConfig()
	cfg.Endpoints.BaseURL = "https://finance.example.com/api/"

	session, _ := goSession.New().
		WithConfig(cfg).
		WithStore(store.NewRedis(rdb, "finance", "alice", 0)).
		OnSessionExpired(func(err error) { _ = err }).
		Build()
	_ = session
}

// ExampleSession_Resume picks up stored credentials and falls back to a login.
func ExampleSession_Resume() {
	var session *goSession.Session
	ctx := context.Background()

	if ok, _ := session.Resume(ctx); !ok {
		_ = session.Login(ctx, "alice", "password")
	}
}

// ExampleSession_Request shows how request failures are told apart.
func ExampleSession_Request() {
	var session *goSession.Session

	var expenses []map[string]any
	err := session.Request(context.Background(), http.MethodGet, "expenses/", nil, &expenses)
	switch {
	case errors.Is(err, goSession.ErrSessionExpired):
		// back to the login screen
	case errors.Is(err, goSession.ErrNetwork):
		// offline, the session is kept
	case errors.Is(err, goSession.ErrRequestFailed):
		var rerr *goSession.ResponseError
		_ = errors.As(err, &rerr)
	}
}
