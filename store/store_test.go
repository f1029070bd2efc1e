package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type slot interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetAll(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func exerciseSlot(t *testing.T, s slot) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "accessToken")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetAll(ctx, map[string]string{
		"accessToken":  "a1",
		"refreshToken": "r1",
		"lastRefresh":  "1700000000000",
	}))

	v, ok, err := s.Get(ctx, "refreshToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", v)

	require.NoError(t, s.SetAll(ctx, map[string]string{
		"accessToken":  "a2",
		"refreshToken": "r2",
	}))
	v, _, err = s.Get(ctx, "accessToken")
	require.NoError(t, err)
	require.Equal(t, "a2", v)
	v, _, err = s.Get(ctx, "lastRefresh")
	require.NoError(t, err)
	require.Equal(t, "1700000000000", v)

	require.NoError(t, s.Delete(ctx, "accessToken", "refreshToken", "lastRefresh"))
	for _, k := range []string{"accessToken", "refreshToken", "lastRefresh"} {
		_, ok, err := s.Get(ctx, k)
		require.NoError(t, err)
		require.False(t, ok, k)
	}

	// deleting missing keys is not an error
	require.NoError(t, s.Delete(ctx, "accessToken"))
}

func TestMemorySlot(t *testing.T) {
	m := NewMemory()
	exerciseSlot(t, m)
	require.Equal(t, 0, m.Len())
}

func TestRedisSlot(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "gs", "alice", 0)
	exerciseSlot(t, s)
	require.False(t, mr.Exists("gs:alice"))
}

func TestRedisSlotAppliesTTL(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "", "", time.Hour)

	require.NoError(t, s.SetAll(context.Background(), map[string]string{"refreshToken": "r1"}))
	require.True(t, mr.Exists("gs:credentials"))
	require.Equal(t, time.Hour, mr.TTL("gs:credentials"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := s.Get(context.Background(), "refreshToken")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSlotUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedis(rdb, "gs", "bob", 0)
	mr.Close()

	_, _, err := s.Get(context.Background(), "accessToken")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, s.SetAll(context.Background(), map[string]string{"a": "b"}), ErrUnavailable)
}

func TestFileSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.yaml")
	f := NewFile(path)
	exerciseSlot(t, f)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "empty slot should remove the file")
}

func TestFileSlotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	ctx := context.Background()

	require.NoError(t, NewFile(path).SetAll(ctx, map[string]string{
		"accessToken":  "a1",
		"refreshToken": "r1",
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	v, ok, err := NewFile(path).Get(ctx, "refreshToken")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", v)
}

func TestFileSlotRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("values: [not, a, map"), 0o600))

	_, _, err := NewFile(path).Get(context.Background(), "accessToken")
	require.Error(t, err)
}
