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

// crucibled is the execution-core daemon: API server, warm sandbox
// pools, session and state stores, and the background sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/crucible-sh/crucible/pkg/agentclient"
	"github.com/crucible-sh/crucible/pkg/apiserver"
	"github.com/crucible-sh/crucible/pkg/config"
	"github.com/crucible-sh/crucible/pkg/events"
	"github.com/crucible-sh/crucible/pkg/files"
	"github.com/crucible-sh/crucible/pkg/kv"
	"github.com/crucible-sh/crucible/pkg/objstore"
	"github.com/crucible-sh/crucible/pkg/orchestrator"
	"github.com/crucible-sh/crucible/pkg/pool"
	"github.com/crucible-sh/crucible/pkg/sandbox"
	"github.com/crucible-sh/crucible/pkg/session"
	"github.com/crucible-sh/crucible/pkg/state"
)

var schemeBuilder = runtime.NewScheme()

func init() {
	utilruntime.Must(scheme.AddToScheme(schemeBuilder))
}

func main() {
	var (
		port           = flag.String("port", "8080", "API server port")
		namespace      = flag.String("namespace", "", "Namespace for sandbox pods (default: config / in-cluster namespace)")
		enableTLS      = flag.Bool("enable-tls", false, "Enable TLS (HTTPS)")
		tlsCert        = flag.String("tls-cert", "", "Path to TLS certificate file")
		tlsKey         = flag.String("tls-key", "", "Path to TLS key file")
		signingKeyFile = flag.String("signing-key", "", "PEM private key for signing agent requests (ephemeral keypair when empty)")
	)

	klog.InitFlags(nil)
	flag.Parse()

	cfg := config.Default().LoadEnv()
	cfg.Port = *port
	cfg.EnableTLS = *enableTLS
	cfg.TLSCert = *tlsCert
	cfg.TLSKey = *tlsKey
	if *namespace != "" {
		cfg.Namespace = *namespace
	}
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Storage tiers.
	store, err := kv.New(cfg.KVBackend)
	if err != nil {
		klog.Fatalf("Failed to connect %s store: %v", cfg.KVBackend, err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		klog.Fatalf("KV store unreachable: %v", err)
	}

	cold, err := objstore.NewS3(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		klog.Fatalf("Failed to connect object store: %v", err)
	}

	sessions := session.NewRegistry(store, cfg.SessionTTL)
	catalog := files.New(store, cold, files.Limits{
		MaxFileBytes:  cfg.MaxFileSizeMiB << 20,
		MaxTotalBytes: cfg.MaxTotalFileSizeMiB << 20,
		MaxCount:      cfg.MaxFilesPerSession,
		MaxNameLen:    cfg.MaxFilenameLength,
	}, cfg.SessionTTL)

	var states *state.Store
	if cfg.StateEnabled {
		states = state.New(store, cold, state.Options{
			TTL:          cfg.StateTTL,
			MaxBytes:     cfg.StateMaxSizeMiB << 20,
			RestoreGrace: cfg.StateRestoreGrace,
		})
	}

	// Request signing between the core and in-sandbox agents.
	var signer *agentclient.RequestSigner
	if *signingKeyFile != "" {
		signer, err = agentclient.NewRequestSigner(*signingKeyFile)
		if err != nil {
			klog.Fatalf("Failed to load signing key: %v", err)
		}
	} else {
		signer, _, err = agentclient.GenerateSigner()
		if err != nil {
			klog.Fatalf("Failed to generate signing key: %v", err)
		}
		klog.Info("No signing key configured, generated an ephemeral keypair")
	}
	publicKey, err := signer.PublicKeyPEM()
	if err != nil {
		klog.Fatalf("Failed to derive public key: %v", err)
	}
	agent := agentclient.New(signer)

	// Kubernetes plumbing: clientset for pod CRUD, controller-runtime
	// manager for the readiness watch.
	clientset, restCfg, err := sandbox.NewClientset()
	if err != nil {
		klog.Fatalf("Failed to build Kubernetes client: %v", err)
	}

	ctrl.SetLogger(zap.New(zap.UseDevMode(false)))
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme:                 schemeBuilder,
		Metrics:                metricsserver.Options{BindAddress: "0"},
		HealthProbeBindAddress: "0",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to start manager: %v\n", err)
		os.Exit(1)
	}

	tracker := sandbox.NewReadyTracker()
	podReconciler := &sandbox.PodReconciler{
		Client:  mgr.GetClient(),
		Tracker: tracker,
	}
	if err := podReconciler.SetupWithManager(mgr); err != nil {
		klog.Fatalf("Failed to set up pod reconciler: %v", err)
	}
	go func() {
		if err := mgr.Start(ctx); err != nil {
			klog.Fatalf("Controller manager error: %v", err)
		}
	}()

	manager := sandbox.NewManager(clientset, cfg, publicKey, tracker)

	// Warm pools.
	sandboxPool := pool.New(manager, agent, cfg)
	sandboxPool.Run(ctx)
	if cfg.PoolEnabled && cfg.PoolWarmupOnStartup {
		klog.Info("Warming sandbox pools...")
		sandboxPool.Warmup(ctx)
	}

	// Background sweeps.
	if states != nil && cfg.StateArchiveEnabled {
		archiver := state.NewArchiver(states, cfg.StateArchiveAfter, cfg.StateArchiveCheckInterval)
		go archiver.Run(ctx)
	}

	cascade := func(ctx context.Context, id string) error {
		if err := catalog.DeleteSession(ctx, id); err != nil {
			return err
		}
		if states != nil {
			if err := states.Delete(ctx, id); err != nil {
				return err
			}
		}
		return sessions.Delete(ctx, id)
	}
	cleaner := session.NewCleaner(sessions, cascade, cfg.SessionCleanupInterval)
	go cleaner.Run(ctx)

	reaper := sandbox.NewReaper(clientset, cfg.Namespace, sandboxPool.Tracked, 10*time.Minute, 5*time.Minute)
	go reaper.Run(ctx)

	// The pipeline and its public surface.
	bus := events.NewBus()
	orch := orchestrator.New(cfg, sandboxPool, manager, agent, sessions, states, catalog, bus)

	server, err := apiserver.NewServer(cfg, orch, sessions, states, catalog, store)
	if err != nil {
		klog.Fatalf("Failed to create API server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting crucibled on port %s", cfg.Port)
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		klog.Info("Received shutdown signal, shutting down gracefully...")
		<-errCh
	case err := <-errCh:
		if err != nil {
			klog.Fatalf("Server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	sandboxPool.Shutdown(shutdownCtx)
	bus.Close()

	klog.Info("crucibled stopped")
}
