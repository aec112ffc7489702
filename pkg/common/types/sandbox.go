package types

import "time"

// Sandbox provenance values, recorded on handles for observability.
const (
	ProvenancePool = "pool"
	ProvenanceCold = "cold"
)

// SandboxHandle identifies one live sandbox instance. Handles are created by
// the sandbox manager, handed out by the pool or the cold path, and destroyed
// unconditionally after a single execution. A handle is owned by exactly one
// component at a time; ownership moves with the value.
type SandboxHandle struct {
	Name       string    `json:"name"`
	Namespace  string    `json:"namespace"`
	Lang       string    `json:"lang"`
	Endpoint   string    `json:"endpoint"`
	Provenance string    `json:"provenance"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExecutionSpec is what the orchestrator submits to the in-sandbox agent.
// PriorState is opaque to the core; only the agent interprets it.
type ExecutionSpec struct {
	Code         string
	Timeout      time.Duration
	PriorState   []byte
	CaptureState bool
	Workdir      string
}

// ExecutionResult carries everything the agent reported back.
// A non-zero ExitCode is a normal outcome, not an error.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Files lists workdir entries the agent saw after execution.
	Files []string
	// State is the updated serialized interpreter state, if captured.
	State    []byte
	Duration time.Duration
}
