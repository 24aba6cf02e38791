package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// State is the outcome of claiming an idempotency key.
type State int

const (
	// StateNew means the caller owns the key and must Save or Release it.
	StateNew State = iota
	// StateInFlight means another request holds the key and has not finished.
	StateInFlight
	// StateDone means a response is stored and should be replayed.
	StateDone
)

const pendingMarker = "pending"

// Response is a captured HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store remembers responses by idempotency key.
type Store interface {
	Begin(ctx context.Context, key string, lease time.Duration) (State, *Response, error)
	Save(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// RedisStore keeps one string per key: a pending marker while the first
// request runs, then the JSON-encoded response.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "idem:"}
}

func (s *RedisStore) Begin(ctx context.Context, key string, lease time.Duration) (State, *Response, error) {
	// redis/go-redis/v9: SetNX is the claim. Only one request wins a key.
	won, err := s.rdb.SetNX(ctx, s.prefix+key, pendingMarker, lease).Result()
	if err != nil {
		return StateNew, nil, errors.Wrap(err, "claim idempotency key")
	}
	if won {
		return StateNew, nil, nil
	}

	raw, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Lease expired between SETNX and GET; let the client retry.
		return StateInFlight, nil, nil
	}
	if err != nil {
		return StateNew, nil, errors.Wrap(err, "load idempotency key")
	}
	if string(raw) == pendingMarker {
		return StateInFlight, nil, nil
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return StateNew, nil, errors.Wrap(err, "decode stored response")
	}
	return StateDone, &resp, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	return errors.Wrap(s.rdb.Set(ctx, s.prefix+key, data, ttl).Err(), "save response")
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return errors.Wrap(s.rdb.Del(ctx, s.prefix+key).Err(), "release idempotency key")
}
