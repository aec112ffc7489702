package kv

import (
	"testing"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
)

// TestNew covers backend selection without touching a real server:
// the constructors are patched so only the dispatch logic runs.
func TestNew(t *testing.T) {
	t.Run("redis backend", func(t *testing.T) {
		patches := gomonkey.ApplyFunc(newRedisStore, func() (*redisStore, error) {
			return &redisStore{}, nil
		})
		defer patches.Reset()

		s, err := New("redis")
		assert.NoError(t, err)
		assert.IsType(t, &redisStore{}, s)
	})

	t.Run("backend name is case-insensitive", func(t *testing.T) {
		patches := gomonkey.ApplyFunc(newValkeyStore, func() (*valkeyStore, error) {
			return &valkeyStore{}, nil
		})
		defer patches.Reset()

		s, err := New("Valkey")
		assert.NoError(t, err)
		assert.IsType(t, &valkeyStore{}, s)
	})

	t.Run("unsupported backend", func(t *testing.T) {
		s, err := New("mysql")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported kv backend")
		assert.Nil(t, s)
	})

	t.Run("redis init failure is wrapped", func(t *testing.T) {
		patches := gomonkey.ApplyFunc(newRedisStore, func() (*redisStore, error) {
			return nil, assert.AnError
		})
		defer patches.Reset()

		s, err := New("redis")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "init redis store failed")
		assert.ErrorIs(t, err, assert.AnError)
		assert.Nil(t, s)
	})

	t.Run("valkey init failure is wrapped", func(t *testing.T) {
		patches := gomonkey.ApplyFunc(newValkeyStore, func() (*valkeyStore, error) {
			return nil, assert.AnError
		})
		defer patches.Reset()

		s, err := New("valkey")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "init valkey store failed")
		assert.ErrorIs(t, err, assert.AnError)
		assert.Nil(t, s)
	})
}
