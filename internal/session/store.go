// Package session keeps server-side session records in Redis.  A session
// id is an opaque random value; the record is a small JSON document that
// expires on its own after the configured lifetime.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/auth-broker/internal/model"
)

// ErrNotFound is returned for unknown, expired or destroyed sessions.
var ErrNotFound = errors.New("session not found")

// Data is the identity bound to a session.
type Data struct {
	UserID    uint64     `json:"userId"`
	Username  string     `json:"username"`
	Role      model.Role `json:"role"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Store is the create/read/update/destroy contract the auth layer needs.
type Store interface {
	Create(ctx context.Context, d Data) (string, error)
	Get(ctx context.Context, id string) (Data, error)
	Update(ctx context.Context, id string, d Data) error
	Destroy(ctx context.Context, id string) error
}

// RedisStore implements Store with one string key per session.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "sess"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string { return s.prefix + ":" + id }


// Create stores d under a fresh id and returns the id.
func (s *RedisStore) Create(ctx context.Context, d Data) (string, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	id := uuid.NewString()
	if err := s.rdb.Set(ctx, s.key(id), body, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Data, error) {
	if id == "" {
		return Data{}, ErrNotFound
	}
	body, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Data{}, ErrNotFound
	}
	if err != nil {
		return Data{}, fmt.Errorf("load session: %w", err)
	}
	var d Data
	if err := json.Unmarshal(body, &d); err != nil {
		// a corrupt record is treated as no session at all
		return Data{}, ErrNotFound
	}
	return d, nil
}

// Update overwrites an existing session and keeps its remaining lifetime.
func (s *RedisStore) Update(ctx context.Context, id string, d Data) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.rdb.SetXX(ctx, s.key(id), body, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Destroy removes the session.  Destroying an unknown id is not an error.
func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.rdb.Del(ctx, s.key(id)).Err()
}
