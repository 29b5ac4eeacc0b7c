package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a single Redis instance.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store. Reconnects are handled by
// the client itself: commands are retried with exponential backoff before
// surfacing a transient error to the caller.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "orproxy:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	})

	return &RedisStore{client: client, prefix: prefix}
}

// Initialize verifies connectivity.
func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) recordKey(namespace, id string) string {
	return s.prefix + namespace + ":" + id
}

// PutRecord writes fields into the hash at namespace/id.
func (s *RedisStore) PutRecord(ctx context.Context, namespace, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return s.client.HSet(ctx, s.recordKey(namespace, id), values).Err()
}

// GetRecord returns nil (no error) when the record does not exist.
func (s *RedisStore) GetRecord(ctx context.Context, namespace, id string) (map[string]string, error) {
	data, err := s.client.HGetAll(ctx, s.recordKey(namespace, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// DeleteRecord removes the record, reporting whether anything was deleted.
func (s *RedisStore) DeleteRecord(ctx context.Context, namespace, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.recordKey(namespace, id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpireRecord arms a TTL on the record.
func (s *RedisStore) ExpireRecord(ctx context.Context, namespace, id string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.recordKey(namespace, id), ttl).Err()
}

func (s *RedisStore) SetAdd(ctx context.Context, name, member string) error {
	return s.client.SAdd(ctx, s.prefix+name, member).Err()
}

func (s *RedisStore) SetRemove(ctx context.Context, name, member string) error {
	return s.client.SRem(ctx, s.prefix+name, member).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, name string) ([]string, error) {
	return s.client.SMembers(ctx, s.prefix+name).Result()
}

func (s *RedisStore) SetContains(ctx context.Context, name, member string) (bool, error) {
	return s.client.SIsMember(ctx, s.prefix+name, member).Result()
}

func (s *RedisStore) SortedSetAdd(ctx context.Context, name, member string, score float64) error {
	return s.client.ZAdd(ctx, s.prefix+name, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) SortedSetRemove(ctx context.Context, name, member string) error {
	return s.client.ZRem(ctx, s.prefix+name, member).Err()
}

func (s *RedisStore) SortedSetRangeByScore(ctx context.Context, name string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.prefix+name, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func formatScore(v float64) string {
	switch {
	case v < -1e17:
		return "-inf"
	case v > 1e17:
		return "+inf"
	default:
		return fmt.Sprintf("%f", v)
	}
}

// IncrementField increments an integer hash field and returns the result.
func (s *RedisStore) IncrementField(ctx context.Context, namespace, id, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, s.recordKey(namespace, id), field, delta).Result()
}

// IncrementCounter bumps a plain counter and sets its TTL in one pipelined
// round trip so the window cannot leak without an expiry.
func (s *RedisStore) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, s.prefix+key)
	pipe.Expire(ctx, s.prefix+key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Scan lists record ids under a namespace prefix.
func (s *RedisStore) Scan(ctx context.Context, namespace string) ([]string, error) {
	pattern := s.prefix + namespace + ":*"
	cut := s.prefix + namespace + ":"
	var ids []string

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), cut))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Ping checks Redis availability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
