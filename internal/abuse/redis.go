package abuse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis sorted sets: one key per user plus
// a global key, each member a unique failure id scored by its Unix nano
// timestamp so CountSince is a ZCount range query and garbage collection is
// a ZRemRangeByScore. Grounded on the sorted-set sliding-window idiom used
// for Redis-backed counters elsewhere in this stack; the idempotent-commit
// marker machinery used there has no equivalent here since every 401 is a
// distinct, non-retried event.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a Store backed by client, namespacing all keys
// under prefix (e.g. "hubproxy:abuse").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) userKey(userID int64) string {
	return fmt.Sprintf("%s:user:%d", s.prefix, userID)
}

func (s *RedisStore) globalKey() string {
	return s.prefix + ":global"
}

func (s *RedisStore) RecordFailure(ctx context.Context, userID int64, at time.Time) error {
	score := float64(at.UnixNano())
	member := strconv.FormatInt(at.UnixNano(), 10)

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.userKey(userID), redis.Z{Score: score, Member: member})
	pipe.ZAdd(ctx, s.globalKey(), redis.Z{Score: score, Member: s.globalMember(userID, member)})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("abuse: record failure: %w", err)
	}
	return nil
}

// globalMember disambiguates members in the shared global set, since two
// users could otherwise collide on the same nanosecond timestamp.
func (s *RedisStore) globalMember(userID int64, member string) string {
	return strconv.FormatInt(userID, 10) + ":" + member
}

func (s *RedisStore) CountSince(ctx context.Context, userID *int64, since time.Time) (int, error) {
	key := s.globalKey()
	if userID != nil {
		key = s.userKey(*userID)
	}
	min := strconv.FormatInt(since.UnixNano(), 10)
	n, err := s.client.ZCount(ctx, key, min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("abuse: count since: %w", err)
	}
	// Best-effort GC of entries older than the window just queried; safe
	// because the predicate only ever looks forward of `since`.
	s.client.ZRemRangeByScore(ctx, key, "-inf", "("+min)
	return int(n), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
