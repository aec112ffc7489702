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

// Package orchestrator runs the execution pipeline: resolve the
// session, load prior state, obtain a sandbox, stage inputs, execute,
// harvest outputs, persist state, and always destroy the sandbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/config"
	"github.com/crucible-sh/crucible/pkg/events"
	"github.com/crucible-sh/crucible/pkg/files"
	"github.com/crucible-sh/crucible/pkg/langs"
	"github.com/crucible-sh/crucible/pkg/metrics"
	"github.com/crucible-sh/crucible/pkg/session"
	"github.com/crucible-sh/crucible/pkg/state"
)

// SandboxPool hands out warm sandboxes. Satisfied by pool.Pool.
type SandboxPool interface {
	Acquire(ctx context.Context, lang string) (*types.SandboxHandle, error)
	Forget(handle *types.SandboxHandle)
}

// SandboxFactory is the cold path. Satisfied by sandbox.Manager.
type SandboxFactory interface {
	CreateReady(ctx context.Context, lang, provenance string) (*types.SandboxHandle, error)
	Destroy(ctx context.Context, handle *types.SandboxHandle) error
}

// Agent is the remote execution channel. Satisfied by agentclient.Client.
type Agent interface {
	Execute(ctx context.Context, endpoint string, spec *types.ExecutionSpec) (*types.ExecutionResult, error)
	UploadFile(ctx context.Context, endpoint, name string, data []byte) error
	DownloadFile(ctx context.Context, endpoint, path string) ([]byte, error)
}

// Orchestrator coordinates one execution end to end.
type Orchestrator struct {
	cfg      *config.Config
	pool     SandboxPool
	sandbox  SandboxFactory
	agent    Agent
	sessions *session.Registry
	states   *state.Store
	files    *files.Catalog
	bus      *events.Bus

	// sem bounds concurrent executions across all clients.
	sem chan struct{}
}

// New wires an Orchestrator. states may be nil when persistent state is
// disabled; bus may be nil when nothing subscribes.
func New(cfg *config.Config, p SandboxPool, factory SandboxFactory, agent Agent,
	sessions *session.Registry, states *state.Store, catalog *files.Catalog, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		pool:     p,
		sandbox:  factory,
		agent:    agent,
		sessions: sessions,
		states:   states,
		files:    catalog,
		bus:      bus,
		sem:      make(chan struct{}, cfg.MaxConcurrentExecutions),
	}
}

// Execute runs one request to completion. A user-code failure is a
// normal response; an error return means the pipeline itself failed.
func (o *Orchestrator) Execute(ctx context.Context, req *types.ExecRequest, principal string) (*types.ExecResponse, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess, err := o.resolveSession(ctx, req, principal)
	if err != nil {
		return nil, err
	}

	stateful := o.states != nil && o.cfg.StateEnabled && langs.IsStateful(req.Lang)
	var priorState []byte
	if stateful {
		priorState, err = o.states.Load(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
	}

	handle, err := o.obtainSandbox(ctx, req.Lang)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	// The sandbox is single use. Destruction happens exactly once, on
	// every path out of this function, without blocking the response.
	defer o.teardown(handle)

	staged, err := o.stageFiles(ctx, sess.ID, req.Files, handle.Endpoint)
	if err != nil {
		return nil, err
	}

	timeout := o.cfg.ClampTimeout(req.Timeout)
	result, err := o.agent.Execute(ctx, handle.Endpoint, &types.ExecutionSpec{
		Code:         req.Code,
		Timeout:      timeout,
		PriorState:   priorState,
		CaptureState: stateful,
	})
	if err != nil {
		o.finish(sess.ID, handle, -1, api.KindOf(err), time.Since(start))
		return nil, err
	}
	if ctx.Err() != nil {
		// Client gone; nothing to report to. Skip harvest and save.
		o.finish(sess.ID, handle, result.ExitCode, "cancelled", time.Since(start))
		return nil, ctx.Err()
	}

	outFiles, err := o.harvestFiles(ctx, sess.ID, staged, result.Files, handle.Endpoint)
	if err != nil {
		klog.Errorf("orchestrator: harvest outputs for session %s failed: %v", sess.ID, err)
	}

	resp := &types.ExecResponse{
		SessionID: sess.ID,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
		Files:     outFiles,
	}

	if stateful && len(result.State) > 0 {
		if err := o.states.Save(ctx, sess.ID, result.State); err != nil {
			if errors.Is(err, api.ErrStateTooLarge) {
				o.finish(sess.ID, handle, result.ExitCode, api.KindStateTooLarge, time.Since(start))
				return nil, err
			}
			klog.Errorf("orchestrator: save state for session %s failed: %v", sess.ID, err)
		} else {
			resp.HasState = true
			resp.StateSize = int64(len(result.State))
			resp.StateHash = state.HashOf(result.State)
		}
	}

	o.finish(sess.ID, handle, result.ExitCode, "", time.Since(start))
	return resp, nil
}

func (o *Orchestrator) validate(req *types.ExecRequest) error {
	if !langs.IsSupported(req.Lang) {
		return api.NewInvalidRequest("unsupported language %q", req.Lang)
	}
	if req.Code == "" {
		return api.NewInvalidRequest("code is empty")
	}
	if int64(len(req.Code)) > o.cfg.MaxCodeBytes {
		return api.NewInvalidRequest("code exceeds %d byte limit", o.cfg.MaxCodeBytes)
	}
	return nil
}

// resolveSession loads the request's session or mints a fresh one.
func (o *Orchestrator) resolveSession(ctx context.Context, req *types.ExecRequest, principal string) (*types.Session, error) {
	if req.SessionID == "" {
		return o.sessions.Create(ctx, principal, req.Lang)
	}
	sess, err := o.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := o.sessions.Touch(ctx, sess.ID); err != nil {
		klog.Warningf("orchestrator: touch session %s failed: %v", sess.ID, err)
	}
	return sess, nil
}

// obtainSandbox prefers the warm pool and falls back to a cold create
// where configuration allows.
func (o *Orchestrator) obtainSandbox(ctx context.Context, lang string) (*types.SandboxHandle, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, o.cfg.PoolAcquireTimeout)
	handle, err := o.pool.Acquire(acquireCtx, lang)
	cancel()
	if err == nil {
		return handle, nil
	}

	switch {
	case errors.Is(err, api.ErrPoolDisabled):
		// No warm pool for this language; cold start is the only path.
		return o.sandbox.CreateReady(ctx, lang, types.ProvenanceCold)
	case errors.Is(err, api.ErrPoolTimeout) && o.cfg.PoolFallbackCold:
		klog.V(2).Infof("orchestrator: %s pool exhausted, falling back to cold start", lang)
		return o.sandbox.CreateReady(ctx, lang, types.ProvenanceCold)
	default:
		return nil, err
	}
}

// teardown destroys the sandbox off the request path.
func (o *Orchestrator) teardown(handle *types.SandboxHandle) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := o.sandbox.Destroy(ctx, handle); err != nil {
			klog.Errorf("orchestrator: destroy sandbox %s failed: %v", handle.Name, err)
		}
		o.pool.Forget(handle)
	}()
}

// stageFiles copies referenced session files into the sandbox workdir
// and returns the set of staged names.
func (o *Orchestrator) stageFiles(ctx context.Context, sessionID string, refs []types.FileRef, endpoint string) (map[string]bool, error) {
	staged := make(map[string]bool, len(refs))
	for _, ref := range refs {
		owner := ref.SessionID
		if owner == "" {
			owner = sessionID
		}
		rec, data, err := o.files.Download(ctx, owner, ref.FileID)
		if err != nil {
			return nil, err
		}
		name := ref.Name
		if name == "" {
			name = rec.Name
		}
		if err := o.agent.UploadFile(ctx, endpoint, name, data); err != nil {
			return nil, fmt.Errorf("stage file %s into sandbox: %w", name, err)
		}
		staged[name] = true
	}
	return staged, nil
}

// harvestFiles pulls workdir entries the execution created back into
// the session catalog, skipping the staged inputs.
func (o *Orchestrator) harvestFiles(ctx context.Context, sessionID string, staged map[string]bool, produced []string, endpoint string) ([]types.FileRef, error) {
	refs := []types.FileRef{}
	for _, path := range produced {
		if staged[path] {
			continue
		}
		if len(refs) >= o.cfg.MaxOutputFiles {
			klog.Warningf("orchestrator: session %s produced more than %d output files, rest dropped", sessionID, o.cfg.MaxOutputFiles)
			break
		}
		data, err := o.agent.DownloadFile(ctx, endpoint, path)
		if err != nil {
			return refs, fmt.Errorf("download output %s: %w", path, err)
		}
		rec, err := o.files.Upload(ctx, sessionID, sanitizeOutputName(path), "", data)
		if err != nil {
			klog.Warningf("orchestrator: store output %s for session %s failed: %v", path, sessionID, err)
			continue
		}
		refs = append(refs, types.FileRef{SessionID: sessionID, FileID: rec.FileID, Name: rec.Name})
	}
	return refs, nil
}

// sanitizeOutputName flattens a workdir-relative path into a catalog
// file name. The catalog rejects separators, so "plots/out.png" becomes
// "plots_out.png".
func sanitizeOutputName(path string) string {
	return strings.ReplaceAll(strings.ReplaceAll(path, "/", "_"), "\\", "_")
}

// finish records metrics and publishes the completion event.
func (o *Orchestrator) finish(sessionID string, handle *types.SandboxHandle, exitCode int, errorKind api.Kind, duration time.Duration) {
	outcome := "ok"
	switch {
	case errorKind != "":
		outcome = string(errorKind)
	case exitCode == 124:
		outcome = "timeout"
	case exitCode != 0:
		outcome = "user_error"
	}
	metrics.Executions.WithLabelValues(handle.Lang, outcome).Inc()
	metrics.ExecutionSeconds.WithLabelValues(handle.Lang, handle.Provenance).Observe(duration.Seconds())

	if o.bus != nil {
		o.bus.Publish(events.ExecutionCompleted{
			SessionID:  sessionID,
			Lang:       handle.Lang,
			Provenance: handle.Provenance,
			ExitCode:   exitCode,
			ErrorKind:  string(errorKind),
			Duration:   duration,
			FinishedAt: time.Now().UTC(),
		})
	}
}
