package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/padmini/gateway/pkg/keycloak"
)

var (
	// ErrCacheMiss is returned when a key holds no token
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidToken is returned when asked to store an empty token
	ErrInvalidToken = errors.New("invalid token")
)

// Store keeps admin tokens keyed by issuer
type Store interface {
	Get(ctx context.Context, key string) (*keycloak.AdminToken, error)
	Set(ctx context.Context, key string, token *keycloak.AdminToken, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Name() string
}

// MemoryStore is a process-local LRU store. Entries expire after the ttl given to
// Set or after the store-wide maximum, whichever comes first.
type MemoryStore struct {
	cache *lru.LRU[string, *entry]
}

type entry struct {
	token   *keycloak.AdminToken
	expires time.Time
}

// NewMemoryStore creates a store holding up to maxEntries tokens for at most maxTTL each
func NewMemoryStore(maxEntries int, maxTTL time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 16
	}
	return &MemoryStore{
		cache: lru.NewLRU[string, *entry](maxEntries, nil, maxTTL),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Get(ctx context.Context, key string) (*keycloak.AdminToken, error) {
	e, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	if !e.expires.IsZero() && !time.Now().Before(e.expires) {
		s.cache.Remove(key)
		return nil, ErrCacheMiss
	}
	return e.token, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, token *keycloak.AdminToken, ttl time.Duration) error {
	if token == nil || token.AccessToken == "" {
		return ErrInvalidToken
	}
	e := &entry{token: token}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.cache.Add(key, e)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Len reports the number of live entries
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// DefaultRedisPrefix namespaces gateway keys in a shared Redis
const DefaultRedisPrefix = "gateway:"

// RedisStore shares admin tokens between gateway replicas
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client; keys are namespaced by prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient parses url and verifies the connection
func NewRedisClient(ctx context.Context, url, password string, db int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db > 0 {
		opts.DB = db
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Get(ctx context.Context, key string) (*keycloak.AdminToken, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var token keycloak.AdminToken
	if err := json.Unmarshal(data, &token); err != nil {
		// Drop corrupt entries so the next call refreshes
		s.client.Del(ctx, s.prefix+key)
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, token *keycloak.AdminToken, ttl time.Duration) error {
	if token == nil || token.AccessToken == "" {
		return ErrInvalidToken
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	return s.client.Set(ctx, s.prefix+key, data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
