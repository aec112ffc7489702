package types

import "time"

// Session groups files and interpreter state across executions. The ID is
// opaque and unguessable; clients hold it and pass it back on later calls.
type Session struct {
	ID           string    `json:"id"`
	Principal    string    `json:"principal,omitempty"`
	LangHint     string    `json:"langHint,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessAt time.Time `json:"lastAccessAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Storage tiers for interpreter state.
const (
	TierHot  = "hot"
	TierCold = "cold"
)

// StateInfo describes the stored interpreter state for a session without
// carrying the blob itself.
type StateInfo struct {
	Exists    bool      `json:"exists"`
	Size      int64     `json:"size,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Tier      string    `json:"tier,omitempty"`
}

// StoredFile is the metadata record for one file attached to a session.
// The bytes live in the object store under files/{session}/{file_id}.
type StoredFile struct {
	SessionID   string    `json:"sessionId"`
	FileID      string    `json:"fileId"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
