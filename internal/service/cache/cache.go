package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store maps a user to their most recent active session id so "current
// session" lookups skip the DB scan. The cache is advisory: the repository
// stays authoritative and a miss simply falls through.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore wraps an existing redis client. A nil client yields a disabled
// store whose methods are all no-ops.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) enabled() bool { return s != nil && s.rdb != nil }

func (s *Store) keyActive(userID string) string { return "chain:active:" + strings.TrimSpace(userID) }

func (s *Store) SetActive(ctx context.Context, userID, sessionID string) error {
	if !s.enabled() || strings.TrimSpace(userID) == "" {
		return nil
	}
	return s.rdb.Set(ctx, s.keyActive(userID), sessionID, s.ttl).Err()
}

// Active returns the cached active session id, or "" on miss.
func (s *Store) Active(ctx context.Context, userID string) (string, error) {
	if !s.enabled() {
		return "", nil
	}
	v, err := s.rdb.Get(ctx, s.keyActive(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *Store) ClearActive(ctx context.Context, userID string) error {
	if !s.enabled() {
		return nil
	}
	return s.rdb.Del(ctx, s.keyActive(userID)).Err()
}
