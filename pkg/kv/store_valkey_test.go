package kv

import (
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/valkey-io/valkey-go"
)

func TestMakeValkeyOptions(t *testing.T) {
	t.Run("missing VALKEY_ADDR", func(t *testing.T) {
		t.Setenv("VALKEY_PASSWORD", "test_pwd")
		opts, err := makeValkeyOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "missing env var VALKEY_ADDR")
	})

	t.Run("missing VALKEY_PASSWORD", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		opts, err := makeValkeyOptions()
		assert.Nil(t, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "VALKEY_PASSWORD is required")
	})

	t.Run("password requirement disabled", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_PASSWORD_REQUIRED", "false")
		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.NotNil(t, opts)
	})

	t.Run("all basic env vars exist", func(t *testing.T) {
		expectedAddr := "127.0.0.1:6379,127.0.0.1:6380"
		// nolint:gosec
		expectedPwd := "test_valkey_pwd"
		t.Setenv("VALKEY_ADDR", expectedAddr)
		t.Setenv("VALKEY_PASSWORD", expectedPwd)

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.NotNil(t, opts)
		assert.Equal(t, strings.Split(expectedAddr, ","), opts.InitAddress)
		assert.Equal(t, expectedPwd, opts.Password)
		assert.False(t, opts.DisableCache)
		assert.False(t, opts.ForceSingleClient)
	})

	t.Run("with VALKEY_DISABLE_CACHE and VALKEY_FORCE_SINGLE", func(t *testing.T) {
		t.Setenv("VALKEY_ADDR", "127.0.0.1:6379")
		t.Setenv("VALKEY_PASSWORD", "test_pwd")
		t.Setenv("VALKEY_DISABLE_CACHE", "true")
		t.Setenv("VALKEY_FORCE_SINGLE", "true")

		opts, err := makeValkeyOptions()
		assert.NoError(t, err)
		assert.True(t, opts.DisableCache)
		assert.True(t, opts.ForceSingleClient)
	})
}

func newTestValkeyStore(t *testing.T) *valkeyStore {
	t.Helper()

	mr := miniredis.RunT(t)
	// miniredis speaks RESP2 only, so disable client-side caching and
	// force single-client mode.
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{mr.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
	})
	if err != nil {
		t.Fatalf("valkey NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return &valkeyStore{cli: client}
}

func TestValkeyStoreContract(t *testing.T) {
	runContractTests(t, func(t *testing.T) Store {
		return newTestValkeyStore(t)
	})
}
