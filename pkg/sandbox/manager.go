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

// Package sandbox creates and destroys the Kubernetes pods that run
// executions. Each sandbox is one pod running the boxd agent inside
// the language image.
package sandbox

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/config"
	"github.com/crucible-sh/crucible/pkg/langs"
	"github.com/crucible-sh/crucible/pkg/metrics"
)

// NewClientset builds a Kubernetes clientset, preferring the in-cluster
// config and falling back to KUBECONFIG / ~/.kube/config.
func NewClientset() (kubernetes.Interface, *rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		cfg, err = kubeConfig.ClientConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("sandbox: load kubeconfig failed: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: create clientset failed: %w", err)
	}
	return clientset, cfg, nil
}

// Manager owns sandbox pod lifecycle. It is safe for concurrent use.
type Manager struct {
	clientset kubernetes.Interface
	cfg       *config.Config
	publicKey string
	ready     *ReadyTracker
}

// NewManager builds a Manager. publicKey is the PEM-encoded core signing
// key injected into every agent. ready may be nil; AwaitReady then polls.
func NewManager(clientset kubernetes.Interface, cfg *config.Config, publicKey string, ready *ReadyTracker) *Manager {
	return &Manager{
		clientset: clientset,
		cfg:       cfg,
		publicKey: publicKey,
		ready:     ready,
	}
}

// Create starts a sandbox pod for lang and returns its handle. The pod
// is not yet ready; pair with AwaitReady or use CreateReady.
func (m *Manager) Create(ctx context.Context, lang, provenance string) (*types.SandboxHandle, error) {
	tpl, ok := langs.Lookup(lang)
	if !ok {
		return nil, api.NewInvalidRequest("unsupported language %q", lang)
	}

	name := fmt.Sprintf("crucible-%s-%s", lang, utilrand.String(8))
	pod := buildPod(&buildPodParams{
		name:             name,
		namespace:        m.cfg.Namespace,
		lang:             lang,
		image:            m.cfg.ImageRegistry + "/" + tpl.Image,
		agentImage:       m.cfg.ImageRegistry + "/boxd:latest",
		agentPort:        m.cfg.BoxdPort,
		runtimeClassName: m.cfg.RuntimeClassName,
		publicKey:        m.publicKey,
		memoryMiB:        m.cfg.MaxMemoryMiB,
		pids:             m.cfg.MaxPids,
		openFiles:        m.cfg.MaxOpenFiles,
	})

	created, err := m.clientset.CoreV1().Pods(m.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("Create: create pod %s failed: %w", name, err)
	}

	metrics.SandboxesCreated.WithLabelValues(lang, provenance).Inc()
	klog.V(2).Infof("sandbox: created pod %s/%s for %s (%s)", created.Namespace, created.Name, lang, provenance)
	return &types.SandboxHandle{
		Name:       created.Name,
		Namespace:  created.Namespace,
		Lang:       lang,
		Provenance: provenance,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// AwaitReady blocks until the sandbox pod reports Ready and has an IP,
// then fills in the handle's agent endpoint. ctx bounds the wait.
func (m *Manager) AwaitReady(ctx context.Context, handle *types.SandboxHandle) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PodStartupDeadline)
	defer cancel()

	if m.ready != nil {
		ip, err := m.ready.Wait(ctx, handle.Namespace+"/"+handle.Name)
		if err == nil {
			handle.Endpoint = fmt.Sprintf("http://%s:%d", ip, m.cfg.BoxdPort)
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("AwaitReady: sandbox %s not ready: %w", handle.Name, ctx.Err())
		}
		klog.V(2).Infof("sandbox: readiness watch for %s failed (%v), falling back to polling", handle.Name, err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("AwaitReady: sandbox %s not ready: %w", handle.Name, ctx.Err())
		case <-ticker.C:
			pod, err := m.clientset.CoreV1().Pods(handle.Namespace).Get(ctx, handle.Name, metav1.GetOptions{})
			if err != nil {
				if k8serrors.IsNotFound(err) {
					return fmt.Errorf("AwaitReady: sandbox %s disappeared", handle.Name)
				}
				continue
			}
			if ip, ok := podReadyIP(pod); ok {
				handle.Endpoint = fmt.Sprintf("http://%s:%d", ip, m.cfg.BoxdPort)
				return nil
			}
			if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
				return fmt.Errorf("AwaitReady: sandbox %s exited with phase %s", handle.Name, pod.Status.Phase)
			}
		}
	}
}

// CreateReady creates a sandbox and waits for its agent to come up. On
// any failure the half-started pod is destroyed before returning.
func (m *Manager) CreateReady(ctx context.Context, lang, provenance string) (*types.SandboxHandle, error) {
	handle, err := m.Create(ctx, lang, provenance)
	if err != nil {
		return nil, err
	}
	if err := m.AwaitReady(ctx, handle); err != nil {
		if derr := m.Destroy(context.Background(), handle); derr != nil {
			klog.Errorf("sandbox: cleanup of unready pod %s failed: %v", handle.Name, derr)
		}
		return nil, err
	}
	return handle, nil
}

// Destroy deletes the sandbox pod. Idempotent; a pod that is already
// gone is success.
func (m *Manager) Destroy(ctx context.Context, handle *types.SandboxHandle) error {
	err := m.clientset.CoreV1().Pods(handle.Namespace).Delete(ctx, handle.Name, metav1.DeleteOptions{
		GracePeriodSeconds: new(int64), // immediate; sandboxes hold nothing worth draining
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("Destroy: delete pod %s failed: %w", handle.Name, err)
	}
	metrics.SandboxesDestroyed.WithLabelValues(handle.Lang).Inc()
	klog.V(2).Infof("sandbox: destroyed pod %s/%s", handle.Namespace, handle.Name)
	return nil
}

// podReadyIP reports whether the pod is serving and returns its IP.
func podReadyIP(pod *corev1.Pod) (string, bool) {
	if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
		return "", false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return pod.Status.PodIP, true
		}
	}
	return "", false
}
