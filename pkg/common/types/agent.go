package types

// Wire format between the core and the in-sandbox boxd agent. Byte
// slices travel base64-encoded inside the JSON envelope.

// AgentExecRequest is the body of POST /execute on the agent.
type AgentExecRequest struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	CaptureState   bool   `json:"capture_state,omitempty"`
	PriorState     []byte `json:"prior_state,omitempty"`
}

// AgentExecResponse is the agent's report for one execution. A non-zero
// exit code, including the timeout kill, still arrives as HTTP 200.
type AgentExecResponse struct {
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
	State      []byte          `json:"state,omitempty"`
	Files      []AgentFileInfo `json:"files,omitempty"`
}

// AgentFileInfo describes one workdir entry, path relative to the workdir.
type AgentFileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// AgentFileListResponse is the body of GET /files on the agent.
type AgentFileListResponse struct {
	Files []AgentFileInfo `json:"files"`
}
