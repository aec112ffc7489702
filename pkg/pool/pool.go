/*
Copyright The Crucible Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pool keeps warm sandboxes ready per language so executions
// skip pod startup. Sandboxes are single use: a leased slot never
// returns to the pool; the replenisher starts a replacement instead.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/config"
	"github.com/crucible-sh/crucible/pkg/metrics"
)

// Factory creates and destroys sandboxes. Satisfied by sandbox.Manager.
type Factory interface {
	CreateReady(ctx context.Context, lang, provenance string) (*types.SandboxHandle, error)
	Destroy(ctx context.Context, handle *types.SandboxHandle) error
}

// Prober checks that a warm sandbox's agent still answers. Satisfied by
// agentclient.Client.
type Prober interface {
	Health(ctx context.Context, endpoint string) error
}

// Stats is a point-in-time snapshot of one language pool.
type Stats struct {
	Target   int `json:"target"`
	Ready    int `json:"ready"`
	Starting int `json:"starting"`
	Leased   int `json:"leased"`
	// Unhealthy counts ready slots with at least one failed health probe.
	Unhealthy int `json:"unhealthy"`
	Waiters   int `json:"waiters"`
}

// waiter receives exactly one handle, or nothing if it gives up first.
type waiter struct {
	ch chan *types.SandboxHandle
}

// langPool is the state for one language. All fields behind mu.
type langPool struct {
	lang   string
	target int

	mu       sync.Mutex
	ready    []*types.SandboxHandle
	starting int
	leased   map[string]*types.SandboxHandle
	waiters  []*waiter
	strikes  map[string]int
	failures int
	closed   bool

	// wake nudges the replenisher; buffered so concurrent triggers
	// coalesce into one run.
	wake chan struct{}
}

// Pool is the set of per-language warm pools.
type Pool struct {
	factory Factory
	prober  Prober
	cfg     *config.Config

	pools  map[string]*langPool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the pool set from cfg.PoolTargets. Call Run to start the
// background replenishers and health sweeps.
func New(factory Factory, prober Prober, cfg *config.Config) *Pool {
	p := &Pool{
		factory: factory,
		prober:  prober,
		cfg:     cfg,
		pools:   make(map[string]*langPool),
	}
	if !cfg.PoolEnabled {
		return p
	}
	for lang, target := range cfg.PoolTargets {
		if target <= 0 {
			continue
		}
		p.pools[lang] = &langPool{
			lang:    lang,
			target:  target,
			leased:  make(map[string]*types.SandboxHandle),
			strikes: make(map[string]int),
			wake:    make(chan struct{}, 1),
		}
	}
	return p
}

// Run starts the background loops. They stop when ctx is cancelled or
// Shutdown is called.
func (p *Pool) Run(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, lp := range p.pools {
		p.wg.Add(2)
		go func(lp *langPool) {
			defer p.wg.Done()
			p.replenishLoop(ctx, lp)
		}(lp)
		go func(lp *langPool) {
			defer p.wg.Done()
			p.healthLoop(ctx, lp)
		}(lp)
	}
}

// Acquire returns a ready sandbox for lang, first come first served.
// The sandbox is leased to the caller, who must Destroy it via Forget
// when done. Returns api.ErrPoolDisabled when no pool exists for lang
// and api.ErrPoolTimeout when ctx's deadline passes while waiting.
func (p *Pool) Acquire(ctx context.Context, lang string) (*types.SandboxHandle, error) {
	lp, ok := p.pools[lang]
	if !ok {
		return nil, api.ErrPoolDisabled
	}

	start := time.Now()
	lp.mu.Lock()
	if lp.closed {
		lp.mu.Unlock()
		return nil, api.ErrPoolClosed
	}
	if len(lp.ready) > 0 {
		handle := lp.ready[0]
		lp.ready = lp.ready[1:]
		lp.leased[handle.Name] = handle
		// A lease takes the slot out of the health sweep's books.
		delete(lp.strikes, handle.Name)
		lp.updateGauges()
		lp.mu.Unlock()
		lp.nudge()
		metrics.PoolAcquireSeconds.WithLabelValues(lang, "hit").Observe(time.Since(start).Seconds())
		return handle, nil
	}

	w := &waiter{ch: make(chan *types.SandboxHandle, 1)}
	lp.waiters = append(lp.waiters, w)
	lp.updateGauges()
	lp.mu.Unlock()

	if p.cfg.PoolExhaustionTrigger {
		lp.nudge()
	}

	select {
	case handle := <-w.ch:
		if handle == nil {
			metrics.PoolAcquireSeconds.WithLabelValues(lang, "closed").Observe(time.Since(start).Seconds())
			return nil, api.ErrPoolClosed
		}
		metrics.PoolAcquireSeconds.WithLabelValues(lang, "wait").Observe(time.Since(start).Seconds())
		return handle, nil
	case <-ctx.Done():
		if handle := lp.abandonWaiter(w); handle != nil {
			// Delivery raced the timeout; keep the sandbox warm.
			metrics.PoolAcquireSeconds.WithLabelValues(lang, "wait").Observe(time.Since(start).Seconds())
			return handle, nil
		}
		metrics.PoolAcquireSeconds.WithLabelValues(lang, "timeout").Observe(time.Since(start).Seconds())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, api.ErrPoolTimeout
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter removes w from the queue. If a handle was already
// handed to w it is returned so the caller can still use it.
func (lp *langPool) abandonWaiter(w *waiter) *types.SandboxHandle {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	for i, cand := range lp.waiters {
		if cand == w {
			lp.waiters = append(lp.waiters[:i], lp.waiters[i+1:]...)
			lp.updateGauges()
			return nil
		}
	}
	// Already dequeued by a handoff; the handle sits in the buffer.
	select {
	case handle := <-w.ch:
		if handle != nil {
			lp.leased[handle.Name] = handle
			lp.updateGauges()
		}
		return handle
	default:
		return nil
	}
}

// Forget drops a leased sandbox from the pool's books. Call after the
// sandbox has been destroyed.
func (p *Pool) Forget(handle *types.SandboxHandle) {
	lp, ok := p.pools[handle.Lang]
	if !ok {
		return
	}
	lp.mu.Lock()
	delete(lp.leased, handle.Name)
	lp.updateGauges()
	lp.mu.Unlock()
}

// Tracked reports whether the pool accounts for podName in any state.
// The orphan reaper uses this to spare live pods.
func (p *Pool) Tracked(podName string) bool {
	for _, lp := range p.pools {
		lp.mu.Lock()
		if _, ok := lp.leased[podName]; ok {
			lp.mu.Unlock()
			return true
		}
		for _, h := range lp.ready {
			if h.Name == podName {
				lp.mu.Unlock()
				return true
			}
		}
		lp.mu.Unlock()
	}
	return false
}

// Stats snapshots every language pool.
func (p *Pool) Stats() map[string]Stats {
	out := make(map[string]Stats, len(p.pools))
	for lang, lp := range p.pools {
		lp.mu.Lock()
		out[lang] = Stats{
			Target:    lp.target,
			Ready:     len(lp.ready),
			Starting:  lp.starting,
			Leased:    len(lp.leased),
			Unhealthy: len(lp.strikes),
			Waiters:   len(lp.waiters),
		}
		lp.mu.Unlock()
	}
	return out
}

// Warmup blocks until every pool reaches its target or the startup
// deadline passes. Failure to fill is logged, not fatal; the
// replenishers keep trying.
func (p *Pool) Warmup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PoolStartupDeadline)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		filled := true
		for lang, st := range p.Stats() {
			if st.Ready < st.Target {
				filled = false
				klog.V(2).Infof("pool: warming %s (%d/%d ready)", lang, st.Ready, st.Target)
			}
		}
		if filled {
			klog.Info("pool: warmup complete")
			return
		}
		select {
		case <-ctx.Done():
			klog.Warningf("pool: warmup deadline passed before all pools filled: %v", p.Stats())
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the loops, fails pending waiters, and destroys every
// ready sandbox. Leased sandboxes belong to in-flight executions and
// are destroyed by their owners.
func (p *Pool) Shutdown(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	for _, lp := range p.pools {
		lp.mu.Lock()
		lp.closed = true
		for _, w := range lp.waiters {
			w.ch <- nil
		}
		lp.waiters = nil
		ready := lp.ready
		lp.ready = nil
		lp.updateGauges()
		lp.mu.Unlock()

		for _, handle := range ready {
			if err := p.factory.Destroy(ctx, handle); err != nil {
				klog.Errorf("pool: destroy %s during shutdown failed: %v", handle.Name, err)
			}
		}
	}
	klog.Info("pool: shut down")
}

// handleReady hands a fresh sandbox to the oldest waiter, or shelves
// it. Returns false when the pool closed meanwhile; the caller then
// destroys the sandbox.
func (lp *langPool) handleReady(handle *types.SandboxHandle) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.closed {
		return false
	}
	if len(lp.waiters) > 0 {
		w := lp.waiters[0]
		lp.waiters = lp.waiters[1:]
		lp.leased[handle.Name] = handle
		lp.updateGauges()
		w.ch <- handle
		return true
	}
	lp.ready = append(lp.ready, handle)
	lp.updateGauges()
	return true
}

// nudge wakes the replenisher without blocking.
func (lp *langPool) nudge() {
	select {
	case lp.wake <- struct{}{}:
	default:
	}
}

// updateGauges refreshes the slot metrics. Callers hold mu.
func (lp *langPool) updateGauges() {
	metrics.PoolSlots.WithLabelValues(lp.lang, "ready").Set(float64(len(lp.ready)))
	metrics.PoolSlots.WithLabelValues(lp.lang, "starting").Set(float64(lp.starting))
	metrics.PoolSlots.WithLabelValues(lp.lang, "leased").Set(float64(len(lp.leased)))
}
