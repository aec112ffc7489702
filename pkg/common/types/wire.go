package types

// ExecRequest is the body of POST /v1/exec.
type ExecRequest struct {
	Lang      string    `json:"lang"`
	Code      string    `json:"code"`
	SessionID string    `json:"session_id,omitempty"`
	Files     []FileRef `json:"files,omitempty"`
	// Timeout is the per-request wall clock in seconds, clamped server-side.
	Timeout int `json:"timeout,omitempty"`
}

// FileRef points at a stored file by session and file id.
type FileRef struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Name      string `json:"name,omitempty"`
}

// ExecResponse is the body of a successful POST /v1/exec. A user-code
// failure (non-zero exit, timeout kill) is still a 200 with these fields.
type ExecResponse struct {
	SessionID string    `json:"session_id"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  int       `json:"exit_code"`
	Files     []FileRef `json:"files"`
	HasState  bool      `json:"has_state,omitempty"`
	StateSize int64     `json:"state_size,omitempty"`
	StateHash string    `json:"state_hash,omitempty"`
}

// UploadResponse is the body of POST /v1/upload.
type UploadResponse struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
}

// FileListResponse is the body of GET /v1/files/{session_id}.
type FileListResponse struct {
	SessionID string       `json:"session_id"`
	Files     []StoredFile `json:"files"`
}
