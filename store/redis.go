package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the credential slot in one Redis hash, <prefix>:<slot>. Each field is one key of
// the slot, so SetAll is a single HSET inside MULTI/EXEC.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
	slot   string
	ttl    time.Duration
}

// NewRedis creates a store on client. A positive ttl is re-applied on every SetAll, so an idle
// slot expires with the refresh token instead of lingering.
func NewRedis(client redis.UniversalClient, prefix, slot string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "gs"
	}
	if slot == "" {
		slot = "credentials"
	}
	return &Redis{
		redis:  client,
		prefix: prefix,
		slot:   slot,
		ttl:    ttl,
	}
}

func (s *Redis) key() string {
	return s.prefix + ":" + s.slot
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.redis.HGet(ctx, s.key(), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

func (s *Redis) SetAll(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	fields := make([]string, 0, len(values))
	for k := range values {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	args := make([]interface{}, 0, len(values)*2)
	for _, k := range fields {
		args = append(args, k, values[k])
	}

	key := s.key()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, args...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.redis.HDel(ctx, s.key(), keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
