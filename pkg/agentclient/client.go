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

// Package agentclient is the core's HTTP client for the boxd agent
// running inside each sandbox. All mutating calls carry a PS256-signed
// JWT covering a canonical digest of the request.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
)

const (
	probeTimeout   = 5 * time.Second
	controlTimeout = 30 * time.Second
	// executeMargin covers agent overhead on top of the code's own
	// wall clock before the HTTP call is abandoned.
	executeMargin = 30 * time.Second

	maxResponseBytes = 256 << 20
)

// Client talks to boxd agents. Safe for concurrent use across any
// number of sandboxes; the endpoint travels per call.
type Client struct {
	httpClient *http.Client
	signer     *RequestSigner
}

// New builds a Client. Per-call deadlines come from contexts, not the
// http.Client, since execute calls are much longer than probes.
func New(signer *RequestSigner) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		signer: signer,
	}
}

// Ready probes the agent's unauthenticated readiness endpoint.
func (c *Client) Ready(ctx context.Context, endpoint string) error {
	return c.probe(ctx, endpoint+"/ready")
}

// Health probes a warm agent. Used by the pool's health sweep.
func (c *Client) Health(ctx context.Context, endpoint string) error {
	return c.probe(ctx, endpoint+"/health")
}

func (c *Client) probe(ctx context.Context, probeURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", probeURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: status %d", probeURL, resp.StatusCode)
	}
	return nil
}

// Execute runs code in the sandbox and returns the agent's report. The
// HTTP deadline is the execution timeout plus a fixed margin so the
// agent's own timeout kill (exit 124) wins the race.
func (c *Client) Execute(ctx context.Context, endpoint string, spec *types.ExecutionSpec) (*types.ExecutionResult, error) {
	wireReq := types.AgentExecRequest{
		Code:           spec.Code,
		TimeoutSeconds: int(spec.Timeout / time.Second),
		CaptureState:   spec.CaptureState,
		PriorState:     spec.PriorState,
	}

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout+executeMargin)
	defer cancel()

	var wireResp types.AgentExecResponse
	if err := c.postJSON(ctx, endpoint+"/execute", &wireReq, &wireResp); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(wireResp.Files))
	for _, f := range wireResp.Files {
		files = append(files, f.Path)
	}
	return &types.ExecutionResult{
		Stdout:   wireResp.Stdout,
		Stderr:   wireResp.Stderr,
		ExitCode: wireResp.ExitCode,
		Files:    files,
		State:    wireResp.State,
		Duration: time.Duration(wireResp.DurationMs) * time.Millisecond,
	}, nil
}

// UploadFile stages a file into the sandbox workdir before execution.
func (c *Client) UploadFile(ctx context.Context, endpoint, name string, data []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write multipart payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart form: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	body := buf.Bytes()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/files", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := c.signer.SignRequest(req, body); err != nil {
		return fmt.Errorf("sign upload request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return api.NewRemoteAgentError("file upload to sandbox failed", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ListFiles returns the workdir contents the agent sees.
func (c *Client) ListFiles(ctx context.Context, endpoint string) ([]types.AgentFileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/files", nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	if err := c.signer.SignRequest(req, nil); err != nil {
		return nil, fmt.Errorf("sign list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, api.NewRemoteAgentError("file listing from sandbox failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out types.AgentFileListResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, api.NewRemoteAgentError("decode file listing failed", err)
	}
	return out.Files, nil
}

// DownloadFile fetches one workdir file from the sandbox.
func (c *Client) DownloadFile(ctx context.Context, endpoint, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	segments := strings.Split(path, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	fileURL := endpoint + "/files/" + strings.Join(segments, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	if err := c.signer.SignRequest(req, nil); err != nil {
		return nil, fmt.Errorf("sign download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, api.NewRemoteAgentError("file download from sandbox failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, api.NewRemoteAgentError("read file download failed", err)
	}
	return data, nil
}

func (c *Client) postJSON(ctx context.Context, callURL string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.SignRequest(req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return api.NewRemoteAgentError("sandbox call failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return api.NewRemoteAgentError("decode sandbox response failed", err)
	}
	return nil
}

// checkStatus maps agent status codes onto the error taxonomy. 4xx is
// the caller's fault; everything else unexpected is an agent fault.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	klog.V(2).Infof("agentclient: %s %s returned %d: %s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, msg)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return api.NewInvalidRequest("sandbox rejected request: %s", string(msg))
	}
	return api.NewRemoteAgentError(fmt.Sprintf("sandbox returned status %d", resp.StatusCode), nil)
}
