package sandbox

import (
	"context"
	"fmt"
	"time"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

func metav1LabelSelector() metav1.LabelSelector {
	return metav1.LabelSelector{
		MatchLabels: map[string]string{ManagedByLabelKey: ManagedByLabelValue},
	}
}

func managedSelector() string {
	return fmt.Sprintf("%s=%s", ManagedByLabelKey, ManagedByLabelValue)
}

// TrackedFunc reports whether a pod name is currently accounted for
// (a pool slot or an in-flight execution).
type TrackedFunc func(podName string) bool

// Reaper deletes managed pods that nothing tracks anymore. Orphans
// appear after a core restart or a crashed execution.
type Reaper struct {
	clientset kubernetes.Interface
	namespace string
	tracked   TrackedFunc
	minAge    time.Duration
	interval  time.Duration
}

// NewReaper builds a Reaper. minAge keeps it from racing pods that were
// created but not yet registered by their owner.
func NewReaper(clientset kubernetes.Interface, namespace string, tracked TrackedFunc, minAge, interval time.Duration) *Reaper {
	return &Reaper{
		clientset: clientset,
		namespace: namespace,
		tracked:   tracked,
		minAge:    minAge,
		interval:  interval,
	}
}

// Run loops until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			klog.Info("sandbox reaper stopped")
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				klog.Errorf("sandbox reaper: sweep failed: %v", err)
			}
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) error {
	pods, err := r.clientset.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedSelector(),
	})
	if err != nil {
		return fmt.Errorf("list managed pods failed: %w", err)
	}

	cutoff := time.Now().Add(-r.minAge)
	var errs []error
	for i := range pods.Items {
		pod := &pods.Items[i]
		if r.tracked(pod.Name) {
			continue
		}
		if pod.CreationTimestamp.Time.After(cutoff) {
			continue
		}
		if err := r.deletePod(ctx, pod.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		klog.Infof("sandbox reaper: deleted orphan pod %s/%s (age %v)",
			pod.Namespace, pod.Name, time.Since(pod.CreationTimestamp.Time).Round(time.Second))
	}
	return utilerrors.NewAggregate(errs)
}

func (r *Reaper) deletePod(ctx context.Context, name string) error {
	err := r.clientset.CoreV1().Pods(r.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("delete orphan pod %s failed: %w", name, err)
	}
	return nil
}
