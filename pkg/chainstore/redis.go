package chainstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisAdvanceScript swaps the head atomically.
// KEYS[1] = head key
// ARGV[1] = expected previous head ("" when none)
// ARGV[2] = next head
var redisAdvanceScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
    cur = ""
end
if cur ~= ARGV[1] then
    return {0, cur}
end
redis.call("SET", KEYS[1], ARGV[2])
return {1, ARGV[2]}
`)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by the Redis server at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), "")
}

// NewRedisStoreFromClient wraps an existing client. Keys are
// "<prefix>chainhead:<runID>"; prefix may be empty.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(runID string) string {
	return s.prefix + "chainhead:" + runID
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Head(ctx context.Context, runID string) (string, error) {
	head, err := s.client.Get(ctx, s.key(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis chainstore error: %w", err)
	}
	return head, nil
}

func (s *RedisStore) Advance(ctx context.Context, runID, prev, next string) error {
	if err := checkArgs(runID, next); err != nil {
		return err
	}
	res, err := redisAdvanceScript.Run(ctx, s.client, []string{s.key(runID)}, prev, next).Result()
	if err != nil {
		return fmt.Errorf("redis chainstore error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return fmt.Errorf("invalid response from lua script")
	}
	swapped, _ := results[0].(int64)
	if swapped != 1 {
		actual, _ := results[1].(string)
		return &ConflictError{RunID: runID, Expected: prev, Actual: actual}
	}
	return nil
}
