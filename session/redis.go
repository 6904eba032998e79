package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"

	"github.com/becomeliminal/nim-assistant/core"
)

// RedisStore keeps sessions as JSON under "session:<id>" with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis. A ttl <= 0 stores without expiry.
func NewRedisStore(addr, password string, db int, ttl time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb, ttl: ttl}
}

func key(id string) string {
	return fmt.Sprintf("session:%s", id)
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return goerr.Wrap(err, "redis ping failed")
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*core.Session, error) {
	val, err := r.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load session", goerr.V("session_id", id))
	}
	var s core.Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, goerr.Wrap(err, "failed to decode session", goerr.V("session_id", id))
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *core.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return goerr.Wrap(err, "failed to encode session", goerr.V("session_id", s.ID))
	}
	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key(s.ID), data, ttl).Err(); err != nil {
		return goerr.Wrap(err, "failed to save session", goerr.V("session_id", s.ID))
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, key(id)).Err(); err != nil {
		return goerr.Wrap(err, "failed to delete session", goerr.V("session_id", id))
	}
	return nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
