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

// boxd is the in-sandbox execution agent. One instance runs inside
// every sandbox pod, configured entirely through environment variables
// set by the pod builder.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/boxd"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := boxd.ConfigFromEnv()
	if err := boxd.ApplyResourceLimits(cfg); err != nil {
		klog.Fatalf("Failed to apply resource limits: %v", err)
	}

	verifier, err := boxd.NewVerifierFromEnv()
	if err != nil {
		klog.Fatalf("Failed to load verification key: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := boxd.NewServer(cfg, verifier)
	if err := server.Run(ctx); err != nil {
		klog.Fatalf("boxd server error: %v", err)
	}
	klog.Info("boxd stopped")
}
