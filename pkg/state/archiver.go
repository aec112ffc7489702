package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/kv"
	"github.com/crucible-sh/crucible/pkg/metrics"
)

// Archiver migrates idle hot-tier state to the cold tier before the hot
// TTL destroys it. An archived blob stays loadable; Load promotes it
// back on the next access.
type Archiver struct {
	store     *Store
	idleAfter time.Duration
	interval  time.Duration
	batch     int64
}

// NewArchiver builds an Archiver that every interval moves entries idle
// longer than idleAfter.
func NewArchiver(store *Store, idleAfter, interval time.Duration) *Archiver {
	return &Archiver{
		store:     store,
		idleAfter: idleAfter,
		interval:  interval,
		batch:     100,
	}
}

// Run loops until ctx is cancelled. Failures are logged and retried on
// the next tick.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("state archiver stopped")
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-a.idleAfter)
	ids, err := a.store.hot.IndexRangeBefore(ctx, lastAccessIndexKey, cutoff, a.batch)
	if err != nil {
		klog.Errorf("state archiver: list idle entries failed: %v", err)
		return
	}

	for _, id := range ids {
		if err := a.archiveOne(ctx, id); err != nil {
			klog.Errorf("state archiver: archive %s failed: %v", id, err)
			continue
		}
	}
}

// archiveOne copies one entry to the cold tier, then drops the hot copy.
// A hot entry that already aged out just loses its index row.
func (a *Archiver) archiveOne(ctx context.Context, sessionID string) error {
	blob, err := a.store.hot.Get(ctx, blobKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return a.store.hot.IndexRemove(ctx, lastAccessIndexKey, sessionID)
	}
	if err != nil {
		return err
	}

	// A client-restored entry keeps hot precedence until its grace
	// window passes; archiving it early would let a stale cold copy win.
	if mb, err := a.store.hot.Get(ctx, metaKey(sessionID)); err == nil {
		var m meta
		if json.Unmarshal(mb, &m) == nil && time.Now().UTC().Before(m.RestoredUntil) {
			return nil
		}
	}

	if err := a.store.cold.Put(ctx, coldKey(sessionID), blob); err != nil {
		return err
	}
	if err := a.store.hot.Delete(ctx, blobKey(sessionID), metaKey(sessionID)); err != nil {
		return err
	}
	if err := a.store.hot.IndexRemove(ctx, lastAccessIndexKey, sessionID); err != nil {
		return err
	}

	metrics.StateArchived.Inc()
	klog.V(2).Infof("state archiver: migrated session %s to cold tier (%d bytes)", sessionID, len(blob))
	return nil
}
