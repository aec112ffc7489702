package sandbox

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
)

// ReadyTracker fans pod readiness out to waiters. The reconciler feeds
// it; Manager.AwaitReady consumes it instead of polling the API server.
type ReadyTracker struct {
	mu      sync.Mutex
	waiters map[string][]chan string
	ready   map[string]string
}

// NewReadyTracker builds an empty tracker.
func NewReadyTracker() *ReadyTracker {
	return &ReadyTracker{
		waiters: make(map[string][]chan string),
		ready:   make(map[string]string),
	}
}

// Wait blocks until the pod identified by key (namespace/name) is ready
// and returns its IP.
func (t *ReadyTracker) Wait(ctx context.Context, key string) (string, error) {
	t.mu.Lock()
	if ip, ok := t.ready[key]; ok {
		t.mu.Unlock()
		return ip, nil
	}
	ch := make(chan string, 1)
	t.waiters[key] = append(t.waiters[key], ch)
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ip := <-ch:
		return ip, nil
	}
}

// notify records readiness and wakes every waiter for the key.
func (t *ReadyTracker) notify(key, ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready[key] = ip
	for _, ch := range t.waiters[key] {
		ch <- ip
	}
	delete(t.waiters, key)
}

// forget drops a pod that went away without ever becoming ready.
func (t *ReadyTracker) forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ready, key)
	delete(t.waiters, key)
}

// PodReconciler watches the pods this service owns and publishes their
// readiness to a ReadyTracker.
type PodReconciler struct {
	client.Client
	Tracker *ReadyTracker
}

// Reconcile handles one pod event.
func (r *PodReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var pod corev1.Pod
	if err := r.Get(ctx, req.NamespacedName, &pod); err != nil {
		r.Tracker.forget(req.String())
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if pod.DeletionTimestamp != nil {
		r.Tracker.forget(req.String())
		return ctrl.Result{}, nil
	}
	if ip, ok := podReadyIP(&pod); ok {
		r.Tracker.notify(req.String(), ip)
	}
	return ctrl.Result{}, nil
}

// SetupWithManager registers the reconciler, filtered to pods carrying
// the manager's ownership label.
func (r *PodReconciler) SetupWithManager(mgr ctrl.Manager) error {
	selector, err := predicate.LabelSelectorPredicate(metav1LabelSelector())
	if err != nil {
		return fmt.Errorf("sandbox: build label predicate failed: %w", err)
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Pod{}).
		WithEventFilter(selector).
		Complete(r)
}
