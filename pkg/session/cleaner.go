package session

import (
	"context"
	"time"

	"k8s.io/klog/v2"
)

// CascadeFunc removes everything a session owns (files, state) plus the
// session record itself. Wired by the daemon so this package does not
// depend on the files and state packages.
type CascadeFunc func(ctx context.Context, id string) error

// Cleaner is the background sweep deleting expired sessions.
type Cleaner struct {
	registry *Registry
	cascade  CascadeFunc
	interval time.Duration
	batch    int64
}

// NewCleaner builds a Cleaner sweeping at the given interval.
func NewCleaner(registry *Registry, cascade CascadeFunc, interval time.Duration) *Cleaner {
	return &Cleaner{
		registry: registry,
		cascade:  cascade,
		interval: interval,
		batch:    100,
	}
}

// Run loops until ctx is cancelled. Sweep failures are logged and
// retried on the next tick; they never propagate.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("session cleaner stopped")
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	ids, err := c.registry.ListExpired(ctx, time.Now().UTC(), c.batch)
	if err != nil {
		klog.Errorf("session cleaner: list expired failed: %v", err)
		return
	}
	for _, id := range ids {
		if err := c.cascade(ctx, id); err != nil {
			klog.Errorf("session cleaner: cascade delete %s failed: %v", id, err)
			continue
		}
		klog.V(2).Infof("session cleaner: deleted expired session %s", id)
	}
}
