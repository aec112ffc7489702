package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMakeRedisOptions(t *testing.T) {
	t.Run("missing REDIS_ADDR", func(t *testing.T) {
		t.Setenv("REDIS_PASSWORD", "test_pwd")
		opts, err := makeRedisOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing env var REDIS_ADDR")
	})

	t.Run("missing REDIS_PASSWORD", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
		opts, err := makeRedisOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing env var REDIS_PASSWORD")
	})

	t.Run("all env vars exist", func(t *testing.T) {
		expectedAddr := "127.0.0.1:6379"
		// nolint:gosec
		expectedPwd := "test_redis_pwd"
		t.Setenv("REDIS_ADDR", expectedAddr)
		t.Setenv("REDIS_PASSWORD", expectedPwd)
		opts, err := makeRedisOptions()
		assert.NoError(t, err)
		assert.NotNil(t, opts)
		assert.Equal(t, expectedAddr, opts.Addr)
		assert.Equal(t, expectedPwd, opts.Password)
	})
}

func newTestRedisStore(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return &redisStore{cli: redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})}, mr
}

func TestRedisStore_Ping(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	assert.NoError(t, s.Ping(ctx))
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	if err := s.Set(ctx, "state:abc", []byte("blob"), time.Hour); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	d, err := s.TTL(ctx, "state:abc")
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if d <= 0 || d > time.Hour {
		t.Fatalf("unexpected TTL: %v", d)
	}

	// miniredis lets us jump past the expiry without sleeping.
	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "state:abc")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestRedisStore_UpdateKeepsTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	assert.NoError(t, s.Set(ctx, "session:x", []byte("v1"), time.Hour))
	assert.NoError(t, s.Update(ctx, "session:x", []byte("v2")))

	got, err := s.Get(ctx, "session:x")
	assert.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	// TTL must survive the update.
	if ttl := mr.TTL("session:x"); ttl <= 0 {
		t.Fatalf("expected remaining TTL after Update, got %v", ttl)
	}
}

func TestRedisStore_IncrWindow(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	n, err := s.IncrWindow(ctx, "ratelimit:ip", time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrWindow(ctx, "ratelimit:ip", time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(2 * time.Minute)
	n, err = s.IncrWindow(ctx, "ratelimit:ip", time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStoreContract(t *testing.T) {
	runContractTests(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		return &redisStore{cli: redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})}
	})
}

// runContractTests exercises the behavior every Store backend must share.
func runContractTests(t *testing.T, newStore func(*testing.T) Store) {
	ctx := context.Background()
	tests := []struct {
		name string
		fn   func(*testing.T, Store, context.Context)
	}{
		{"Ping", func(t *testing.T, s Store, ctx context.Context) { assert.NoError(t, s.Ping(ctx)) }},
		{"GetNotFound", func(t *testing.T, s Store, ctx context.Context) {
			_, err := s.Get(ctx, "no-such-key")
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{"SetGetRoundTrip", func(t *testing.T, s Store, ctx context.Context) {
			// Binary payloads must survive untouched.
			val := []byte{0x00, 0xff, 0x10, 'a', '\n'}
			assert.NoError(t, s.Set(ctx, "blob", val, 0))
			got, err := s.Get(ctx, "blob")
			assert.NoError(t, err)
			assert.Equal(t, val, got)
		}},
		{"SetNX", func(t *testing.T, s Store, ctx context.Context) {
			ok, err := s.SetNX(ctx, "nx", []byte("first"), 0)
			assert.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.SetNX(ctx, "nx", []byte("second"), 0)
			assert.NoError(t, err)
			assert.False(t, ok)
			got, err := s.Get(ctx, "nx")
			assert.NoError(t, err)
			assert.Equal(t, []byte("first"), got)
		}},
		{"UpdateNonExistentFails", func(t *testing.T, s Store, ctx context.Context) {
			err := s.Update(ctx, "does-not-exist", []byte("x"))
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{"DeleteIdempotent", func(t *testing.T, s Store, ctx context.Context) {
			assert.NoError(t, s.Set(ctx, "del-idem", []byte("v"), 0))
			assert.NoError(t, s.Delete(ctx, "del-idem"))
			_, err := s.Get(ctx, "del-idem")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.Delete(ctx, "del-idem")) // idempotent
		}},
		{"Exists", func(t *testing.T, s Store, ctx context.Context) {
			ok, err := s.Exists(ctx, "absent")
			assert.NoError(t, err)
			assert.False(t, ok)
			assert.NoError(t, s.Set(ctx, "present", []byte("v"), 0))
			ok, err = s.Exists(ctx, "present")
			assert.NoError(t, err)
			assert.True(t, ok)
		}},
		{"KeysPattern", func(t *testing.T, s Store, ctx context.Context) {
			assert.NoError(t, s.Set(ctx, "file:s1:a", []byte("1"), 0))
			assert.NoError(t, s.Set(ctx, "file:s1:b", []byte("2"), 0))
			assert.NoError(t, s.Set(ctx, "file:s2:c", []byte("3"), 0))
			keys, err := s.Keys(ctx, "file:s1:*")
			assert.NoError(t, err)
			assert.Len(t, keys, 2)
		}},
		{"IndexRangeBefore", func(t *testing.T, s Store, ctx context.Context) {
			now := time.Now().UTC().Truncate(time.Second)
			assert.NoError(t, s.IndexAdd(ctx, "session:expiry", "old-1", now.Add(-2*time.Hour)))
			assert.NoError(t, s.IndexAdd(ctx, "session:expiry", "old-2", now.Add(-1*time.Hour)))
			assert.NoError(t, s.IndexAdd(ctx, "session:expiry", "fresh", now.Add(time.Hour)))

			ids, err := s.IndexRangeBefore(ctx, "session:expiry", now, 10)
			assert.NoError(t, err)
			assert.Equal(t, []string{"old-1", "old-2"}, ids)

			ids, err = s.IndexRangeBefore(ctx, "session:expiry", now, 1)
			assert.NoError(t, err)
			assert.Len(t, ids, 1)

			assert.NoError(t, s.IndexRemove(ctx, "session:expiry", "old-1", "old-2"))
			ids, err = s.IndexRangeBefore(ctx, "session:expiry", now, 10)
			assert.NoError(t, err)
			assert.Len(t, ids, 0)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			tc.fn(t, s, ctx)
		})
	}
}
