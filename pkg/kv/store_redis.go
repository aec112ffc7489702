package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

type redisStore struct {
	cli *redisv9.Client
}

// newRedisStore init redis store client
func newRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}
	return &redisStore{cli: redisv9.NewClient(redisOptions)}, nil
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	// Secure-by-default: require non-empty password unless explicitly disabled via REDIS_PASSWORD_REQUIRED=false.
	if strings.ToLower(os.Getenv("REDIS_PASSWORD_REQUIRED")) != "false" && redisPassword == "" {
		return nil, fmt.Errorf("missing env var REDIS_PASSWORD")
	}

	return &redisv9.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	}, nil
}

func (rs *redisStore) Ping(ctx context.Context) error {
	resp, err := rs.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (rs *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := rs.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: redis GET %s failed: %w", key, err)
	}
	return b, nil
}

func (rs *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := rs.cli.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Set: redis SET %s failed: %w", key, err)
	}
	return nil
}

func (rs *redisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := rs.cli.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("SetNX: redis SETNX %s failed: %w", key, err)
	}
	return ok, nil
}

// Update replaces an existing value, keeping the key's TTL (SET XX KEEPTTL).
func (rs *redisStore) Update(ctx context.Context, key string, value []byte) error {
	ok, err := rs.cli.SetArgs(ctx, key, value, redisv9.SetArgs{Mode: "XX", KeepTTL: true}).Result()
	if errors.Is(err, redisv9.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("Update: redis SETXX %s failed: %w", key, err)
	}
	if ok != "OK" {
		return ErrNotFound
	}
	return nil
}

func (rs *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := rs.cli.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("Delete: redis DEL failed: %w", err)
	}
	return nil
}

func (rs *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rs.cli.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("Exists: redis EXISTS %s failed: %w", key, err)
	}
	return n == 1, nil
}

func (rs *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := rs.cli.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("TTL: redis TTL %s failed: %w", key, err)
	}
	// go-redis encodes "no such key" as -2ns and "no expiry" as -1ns.
	if d == -2*time.Nanosecond {
		return 0, ErrNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (rs *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := rs.cli.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("Expire: redis EXPIRE %s failed: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// IncrWindow bumps a fixed-window counter; the pipeline sets the window
// TTL only when the counter was just created.
func (rs *redisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := rs.cli.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("IncrWindow: redis INCR %s failed: %w", key, err)
	}
	if n == 1 {
		if err := rs.cli.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("IncrWindow: redis EXPIRE %s failed: %w", key, err)
		}
	}
	return n, nil
}

func (rs *redisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := rs.cli.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("Keys: redis SCAN %s failed: %w", pattern, err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (rs *redisStore) IndexAdd(ctx context.Context, index, member string, at time.Time) error {
	err := rs.cli.ZAdd(ctx, index, redisv9.Z{
		Score:  float64(at.Unix()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("IndexAdd: redis ZADD %s failed: %w", index, err)
	}
	return nil
}

func (rs *redisStore) IndexRemove(ctx context.Context, index string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := rs.cli.ZRem(ctx, index, args...).Err(); err != nil {
		return fmt.Errorf("IndexRemove: redis ZREM %s failed: %w", index, err)
	}
	return nil
}

// IndexRangeBefore returns up to limit members recorded before the given
// time, oldest first. It uses a sorted-set index and is linear in the
// number of results.
func (rs *redisStore) IndexRangeBefore(ctx context.Context, index string, before time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := rs.cli.ZRangeByScore(ctx, index, &redisv9.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", before.Unix()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("IndexRangeBefore: ZRangeByScore failed: %w", err)
	}
	return ids, nil
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}
