// Package store provides the Redis-backed persistence used around the case queue:
//   - Task outcome history per case, plus individual results with a TTL
//   - Photo and consent metadata written with upsert semantics
//   - A token-bucket rate limiter for submissions
//
// The Store type is the main entry point. All operations are context-aware.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultHistoryLimit is how many settled tasks are kept per case.
	DefaultHistoryLimit = 100
	// DefaultResultTTL is how long an individual task result is kept.
	DefaultResultTTL = 24 * time.Hour
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: not found")

// Store manages the connection to Redis.
//
// Key Layout:
//   - history:{case}: List of settled tasks (JSON), trimmed to HistoryLimit
//   - result:{id}: settled task (JSON) with ResultTTL
//   - case:{case}:round:{round}:photos: Hash angle -> url
//   - case:{case}:consent: Hash round -> url
//   - ratelimit:{key}: Hash with token bucket state
type Store struct {
	rdb          *redis.Client
	historyLimit int64
	resultTTL    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit sets how many settled tasks are kept per case.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = int64(n)
		}
	}
}

// WithResultTTL sets the expiry of stored task results.
func WithResultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.resultTTL = ttl
		}
	}
}

// NewStore creates a Store connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
//
// Example:
//
//	st := store.NewStore("localhost:6379")
func NewStore(addr string, opts ...Option) *Store {
	return NewStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), opts...)
}

// NewStoreFromClient wraps an existing go-redis client.
func NewStoreFromClient(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:          rdb,
		historyLimit: DefaultHistoryLimit,
		resultTTL:    DefaultResultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func historyKey(caseKey string) string {
	return fmt.Sprintf("history:%s", caseKey)
}

func resultKey(id string) string {
	return fmt.Sprintf("result:%s", id)
}

func photosKey(caseKey string, round int) string {
	return fmt.Sprintf("case:%s:round:%d:photos", caseKey, round)
}

func consentKey(caseKey string) string {
	return fmt.Sprintf("case:%s:consent", caseKey)
}

func rateLimitKey(key string) string {
	return fmt.Sprintf("ratelimit:%s", key)
}
