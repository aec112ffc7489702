package pool

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/common/types"
)

// maxCreateBackoff caps the delay after consecutive creation failures.
const maxCreateBackoff = 30 * time.Second

// replenishLoop keeps one language pool at its target. It runs on a
// fixed tick plus wake nudges from Acquire.
func (p *Pool) replenishLoop(ctx context.Context, lp *langPool) {
	ticker := time.NewTicker(p.cfg.PoolReplenishInterval)
	defer ticker.Stop()

	for {
		p.replenish(ctx, lp)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-lp.wake:
		}
	}
}

// replenish launches creations to cover the deficit, capped by the
// parallel batch. Consecutive failures back the loop off exponentially.
func (p *Pool) replenish(ctx context.Context, lp *langPool) {
	lp.mu.Lock()
	deficit := lp.target - len(lp.ready) - lp.starting
	if waiting := len(lp.waiters) - lp.starting; waiting > deficit {
		deficit = waiting
	}
	launch := deficit
	if room := p.cfg.PoolParallelBatch - lp.starting; launch > room {
		launch = room
	}
	failures := lp.failures
	if launch > 0 {
		lp.starting += launch
		lp.updateGauges()
	}
	lp.mu.Unlock()

	if launch <= 0 {
		return
	}

	if failures > 0 {
		backoff := p.cfg.PoolReplenishInterval << (failures - 1)
		if backoff > maxCreateBackoff {
			backoff = maxCreateBackoff
		}
		klog.V(2).Infof("pool: %s replenish backing off %v after %d failures", lp.lang, backoff, failures)
		select {
		case <-ctx.Done():
			lp.finishStarting(launch)
			return
		case <-time.After(backoff):
		}
	}

	klog.V(2).Infof("pool: %s launching %d sandboxes (deficit %d)", lp.lang, launch, deficit)
	for i := 0; i < launch; i++ {
		go p.createOne(ctx, lp)
	}
}

func (p *Pool) createOne(ctx context.Context, lp *langPool) {
	handle, err := p.factory.CreateReady(ctx, lp.lang, types.ProvenancePool)

	lp.mu.Lock()
	lp.starting--
	if err != nil {
		lp.failures++
	} else {
		lp.failures = 0
	}
	lp.updateGauges()
	lp.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			klog.Errorf("pool: create %s sandbox failed: %v", lp.lang, err)
		}
		return
	}
	if !lp.handleReady(handle) {
		if derr := p.factory.Destroy(context.Background(), handle); derr != nil {
			klog.Errorf("pool: destroy %s after shutdown race failed: %v", handle.Name, derr)
		}
	}
}

// finishStarting returns reserved starting slots without a creation.
func (lp *langPool) finishStarting(n int) {
	lp.mu.Lock()
	lp.starting -= n
	lp.updateGauges()
	lp.mu.Unlock()
}

// healthLoop probes ready slots and evicts ones that fail twice in a
// row. A single failed probe is tolerated as transient.
func (p *Pool) healthLoop(ctx context.Context, lp *langPool) {
	if p.prober == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.PoolHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepHealth(ctx, lp)
		}
	}
}

func (p *Pool) sweepHealth(ctx context.Context, lp *langPool) {
	lp.mu.Lock()
	snapshot := make([]*types.SandboxHandle, len(lp.ready))
	copy(snapshot, lp.ready)
	lp.mu.Unlock()

	for _, handle := range snapshot {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.prober.Health(probeCtx, handle.Endpoint)
		cancel()

		lp.mu.Lock()
		if err == nil {
			delete(lp.strikes, handle.Name)
			lp.mu.Unlock()
			continue
		}
		lp.strikes[handle.Name]++
		strikes := lp.strikes[handle.Name]
		evict := false
		if strikes >= 2 {
			delete(lp.strikes, handle.Name)
			// Only evict if the slot is still ready; a lease that
			// raced the probe owns the sandbox now.
			for i, h := range lp.ready {
				if h.Name == handle.Name {
					lp.ready = append(lp.ready[:i], lp.ready[i+1:]...)
					evict = true
					break
				}
			}
			lp.updateGauges()
		}
		lp.mu.Unlock()

		if !evict {
			klog.V(2).Infof("pool: %s sandbox %s failed health probe (strike %d): %v", lp.lang, handle.Name, strikes, err)
			continue
		}
		klog.Warningf("pool: evicting unhealthy %s sandbox %s: %v", lp.lang, handle.Name, err)
		if derr := p.factory.Destroy(ctx, handle); derr != nil {
			klog.Errorf("pool: destroy unhealthy sandbox %s failed: %v", handle.Name, derr)
		}
		lp.nudge()
	}
}
