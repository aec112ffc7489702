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

// Package session allocates and tracks session identities. Metadata
// lives in the hot KV store under session:{id} with the session TTL;
// a sorted-set index drives the background expiry sweep.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/kv"
)

const (
	sessionPrefix  = "session:"
	expiryIndexKey = "session:expiry"

	// idBytes is the entropy per identifier; 18 bytes encode to 24
	// URL-safe characters with no padding.
	idBytes = 18
)

// Registry is the session identity and metadata store.
type Registry struct {
	store kv.Store
	ttl   time.Duration
}

// NewRegistry builds a Registry with the given session TTL.
func NewRegistry(store kv.Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl}
}

// NewID returns an unguessable URL-safe session identifier.
func NewID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: read entropy failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateID rejects identifiers that cannot have come from NewID.
// Length is checked loosely so ids minted before an entropy bump stay valid.
func ValidateID(id string) error {
	if len(id) < 16 || len(id) > 64 {
		return api.NewInvalidRequest("malformed session id")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return api.NewInvalidRequest("malformed session id")
		}
	}
	return nil
}

// Create allocates a new session owned by principal. hint is an optional
// language affinity recorded for observability.
func (r *Registry) Create(ctx context.Context, principal, hint string) (*types.Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &types.Session{
		ID:           id,
		Principal:    principal,
		LangHint:     hint,
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    now.Add(r.ttl),
	}

	b, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("Create: marshal session failed: %w", err)
	}

	if err := r.store.Set(ctx, sessionPrefix+id, b, r.ttl); err != nil {
		return nil, fmt.Errorf("Create: store session %s failed: %w", id, err)
	}
	if err := r.store.IndexAdd(ctx, expiryIndexKey, id, sess.ExpiresAt); err != nil {
		return nil, fmt.Errorf("Create: index session %s failed: %w", id, err)
	}
	return sess, nil
}

// Get returns the session metadata, or api.ErrSessionNotFound when the
// id is unknown or expired.
func (r *Registry) Get(ctx context.Context, id string) (*types.Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	b, err := r.store.Get(ctx, sessionPrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, api.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: load session %s failed: %w", id, err)
	}

	var sess types.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("Get: unmarshal session %s failed: %w", id, err)
	}
	return &sess, nil
}

// Touch bumps the session's last-access time. It changes nothing else
// and preserves the key's TTL.
func (r *Registry) Touch(ctx context.Context, id string) error {
	sess, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.LastAccessAt = time.Now().UTC()

	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("Touch: marshal session failed: %w", err)
	}
	err = r.store.Update(ctx, sessionPrefix+id, b)
	if errors.Is(err, kv.ErrNotFound) {
		return api.ErrSessionNotFound
	}
	return err
}

// Delete removes the session record and its index entry. Idempotent.
// Cascading to files and state is the caller's job; see Cleaner.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, sessionPrefix+id); err != nil {
		return fmt.Errorf("Delete: delete session %s failed: %w", id, err)
	}
	if err := r.store.IndexRemove(ctx, expiryIndexKey, id); err != nil {
		return fmt.Errorf("Delete: deindex session %s failed: %w", id, err)
	}
	return nil
}

// ListExpired returns up to limit session ids whose expiry is before
// the given time.
func (r *Registry) ListExpired(ctx context.Context, before time.Time, limit int64) ([]string, error) {
	return r.store.IndexRangeBefore(ctx, expiryIndexKey, before, limit)
}
