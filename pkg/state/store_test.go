package state

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/kv"
	"github.com/crucible-sh/crucible/pkg/objstore"
)

func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis, objstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_PASSWORD_REQUIRED", "false")
	hot, err := kv.New("redis")
	if err != nil {
		t.Fatalf("kv.New failed: %v", err)
	}
	t.Cleanup(func() { hot.Close() })
	cold := objstore.NewMemory()
	return New(hot, cold, opts), mr, cold
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	blob := []byte("\x80\x04\x95binary pickle bytes\x00\x01\x02")
	assert.NoError(t, s.Save(ctx, "sess-a", blob))

	got, err := s.Load(ctx, "sess-a")
	assert.NoError(t, err)
	if !bytes.Equal(blob, got) {
		t.Fatalf("loaded blob differs: want %q got %q", blob, got)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	got, err := s.Load(ctx, "never-saved")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveRejectsOversize(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{MaxBytes: 16})

	err := s.Save(ctx, "sess-a", make([]byte, 17))
	assert.ErrorIs(t, err, api.ErrStateTooLarge)
	assert.Equal(t, api.KindStateTooLarge, api.KindOf(err))

	// The limit is inclusive.
	assert.NoError(t, s.Save(ctx, "sess-a", make([]byte, 16)))
}

func TestSaveLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	assert.NoError(t, s.Save(ctx, "sess-a", []byte("first")))
	assert.NoError(t, s.Save(ctx, "sess-a", []byte("second")))

	got, err := s.Load(ctx, "sess-a")
	assert.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestLoadPromotesColdEntry(t *testing.T) {
	ctx := context.Background()
	s, mr, cold := newTestStore(t, Options{})

	blob := []byte("archived namespace")
	assert.NoError(t, cold.Put(ctx, "state-archive/sess-a", blob))

	got, err := s.Load(ctx, "sess-a")
	assert.NoError(t, err)
	assert.Equal(t, blob, got)

	// The blob is hot again after the cold hit.
	assert.True(t, mr.Exists("state:sess-a"))
	assert.True(t, mr.Exists("state:sess-a:meta"))

	// And the promoted copy has the hot TTL set.
	ttl := mr.TTL("state:sess-a")
	assert.Greater(t, ttl, time.Duration(0))
}

func TestPromoteDoesNotClobberNewerHotWrite(t *testing.T) {
	ctx := context.Background()
	s, _, cold := newTestStore(t, Options{})

	assert.NoError(t, cold.Put(ctx, "state-archive/sess-a", []byte("stale archive")))
	assert.NoError(t, s.Save(ctx, "sess-a", []byte("fresh")))

	got, err := s.Load(ctx, "sess-a")
	assert.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}

func TestInfoTiers(t *testing.T) {
	ctx := context.Background()
	s, _, cold := newTestStore(t, Options{})

	t.Run("absent", func(t *testing.T) {
		info, err := s.Info(ctx, "nope")
		assert.NoError(t, err)
		assert.False(t, info.Exists)
	})

	t.Run("hot", func(t *testing.T) {
		blob := []byte("hot blob")
		assert.NoError(t, s.Save(ctx, "sess-hot", blob))
		info, err := s.Info(ctx, "sess-hot")
		assert.NoError(t, err)
		assert.True(t, info.Exists)
		assert.Equal(t, "hot", info.Tier)
		assert.Equal(t, int64(len(blob)), info.Size)
		assert.Equal(t, HashOf(blob), info.Hash)
		assert.False(t, info.ExpiresAt.IsZero())
	})

	t.Run("cold", func(t *testing.T) {
		blob := []byte("cold blob")
		assert.NoError(t, cold.Put(ctx, "state-archive/sess-cold", blob))
		info, err := s.Info(ctx, "sess-cold")
		assert.NoError(t, err)
		assert.True(t, info.Exists)
		assert.Equal(t, "cold", info.Tier)
		assert.Equal(t, HashOf(blob), info.Hash)
	})
}

func TestClientUpload(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	blob := []byte("client cached namespace")

	t.Run("hash mismatch rejected", func(t *testing.T) {
		err := s.ClientUpload(ctx, "sess-a", blob, "deadbeef")
		assert.Error(t, err)
		assert.Equal(t, api.KindInvalidRequest, api.KindOf(err))
	})

	t.Run("matching hash accepted", func(t *testing.T) {
		assert.NoError(t, s.ClientUpload(ctx, "sess-a", blob, HashOf(blob)))
		got, err := s.Load(ctx, "sess-a")
		assert.NoError(t, err)
		assert.Equal(t, blob, got)
	})

	t.Run("empty hash skips the check", func(t *testing.T) {
		assert.NoError(t, s.ClientUpload(ctx, "sess-b", blob, ""))
	})

	t.Run("upload wins over archive", func(t *testing.T) {
		s2, _, cold := newTestStore(t, Options{})
		assert.NoError(t, cold.Put(ctx, "state-archive/sess-c", []byte("old archive")))
		assert.NoError(t, s2.ClientUpload(ctx, "sess-c", blob, ""))
		got, err := s2.Load(ctx, "sess-c")
		assert.NoError(t, err)
		assert.Equal(t, blob, got)
	})
}

func TestDeleteBothTiers(t *testing.T) {
	ctx := context.Background()
	s, mr, cold := newTestStore(t, Options{})

	blob := []byte("doomed")
	assert.NoError(t, s.Save(ctx, "sess-a", blob))
	assert.NoError(t, cold.Put(ctx, "state-archive/sess-a", blob))

	assert.NoError(t, s.Delete(ctx, "sess-a"))
	assert.False(t, mr.Exists("state:sess-a"))
	_, err := cold.Get(ctx, "state-archive/sess-a")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	got, err := s.Load(ctx, "sess-a")
	assert.NoError(t, err)
	assert.Nil(t, got)

	// Idempotent.
	assert.NoError(t, s.Delete(ctx, "sess-a"))
}

func TestArchiverMigratesIdleEntries(t *testing.T) {
	ctx := context.Background()
	s, mr, cold := newTestStore(t, Options{TTL: 4 * time.Hour})
	a := NewArchiver(s, time.Hour, 5*time.Minute)

	idle := []byte("idle namespace")
	assert.NoError(t, s.Save(ctx, "sess-idle", idle))
	// Backdate the last-access entry past the idle threshold.
	mr.ZAdd("state:last_access", float64(time.Now().UTC().Add(-2*time.Hour).Unix()), "sess-idle")

	busy := []byte("busy namespace")
	assert.NoError(t, s.Save(ctx, "sess-busy", busy))

	a.sweep(ctx)

	// Idle entry moved to the cold tier and left the hot tier.
	got, err := cold.Get(ctx, "state-archive/sess-idle")
	assert.NoError(t, err)
	assert.Equal(t, idle, got)
	assert.False(t, mr.Exists("state:sess-idle"))

	// Busy entry untouched.
	assert.True(t, mr.Exists("state:sess-busy"))
	_, err = cold.Get(ctx, "state-archive/sess-busy")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	// And a later Load still round-trips the archived bytes.
	back, err := s.Load(ctx, "sess-idle")
	assert.NoError(t, err)
	assert.Equal(t, idle, back)
}

func TestArchiverSparesRestoredEntries(t *testing.T) {
	ctx := context.Background()
	s, mr, cold := newTestStore(t, Options{RestoreGrace: time.Hour})
	a := NewArchiver(s, time.Hour, 5*time.Minute)

	restored := []byte("client-restored namespace")
	assert.NoError(t, s.ClientUpload(ctx, "sess-restored", restored, ""))
	// Backdate the index row so only the grace window protects the entry.
	mr.ZAdd("state:last_access", float64(time.Now().UTC().Add(-2*time.Hour).Unix()), "sess-restored")

	a.sweep(ctx)

	assert.True(t, mr.Exists("state:sess-restored"))
	_, err := cold.Get(ctx, "state-archive/sess-restored")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestArchiverDropsExpiredIndexRows(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t, Options{})
	a := NewArchiver(s, time.Hour, 5*time.Minute)

	// Index row with no backing key, as after a hot TTL expiry.
	mr.ZAdd("state:last_access", float64(time.Now().UTC().Add(-2*time.Hour).Unix()), "sess-gone")

	a.sweep(ctx)

	ids, err := s.hot.IndexRangeBefore(ctx, "state:last_access", time.Now().UTC(), 10)
	assert.NoError(t, err)
	assert.Empty(t, ids)
}
