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

// Package state persists serialized interpreter namespaces between
// executions in a session. The blob is opaque; the core only checks
// length and SHA-256 integrity. Hot tier is the KV store with a short
// TTL, cold tier is the object store under state-archive/{session}.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/kv"
	"github.com/crucible-sh/crucible/pkg/metrics"
	"github.com/crucible-sh/crucible/pkg/objstore"
)

const (
	statePrefix        = "state:"
	metaSuffix         = ":meta"
	lastAccessIndexKey = "state:last_access"
	archivePrefix      = "state-archive/"
)

// meta is the bookkeeping record stored next to the blob.
type meta struct {
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
	// RestoredUntil marks the client-upload grace window; zero outside it.
	RestoredUntil time.Time `json:"restoredUntil,omitempty"`
}

// Store is the tiered interpreter-state store.
type Store struct {
	hot      kv.Store
	cold     objstore.Store
	ttl      time.Duration
	maxBytes int64
	grace    time.Duration
}

// Options are the state-store knobs; zero values fall back to the
// documented defaults.
type Options struct {
	TTL          time.Duration
	MaxBytes     int64
	RestoreGrace time.Duration
}

// New builds a Store over the given tiers.
func New(hot kv.Store, cold objstore.Store, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	if opts.RestoreGrace <= 0 {
		opts.RestoreGrace = 30 * time.Second
	}
	return &Store{
		hot:      hot,
		cold:     cold,
		ttl:      opts.TTL,
		maxBytes: opts.MaxBytes,
		grace:    opts.RestoreGrace,
	}
}

func blobKey(id string) string { return statePrefix + id }
func metaKey(id string) string { return statePrefix + id + metaSuffix }
func coldKey(id string) string { return archivePrefix + id }

// HashOf returns the hex SHA-256 of a blob, the hash clients see.
func HashOf(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Save replaces the hot entry for the session. The blob is stored
// byte-for-byte; no re-encoding, so Load returns exactly these bytes.
func (s *Store) Save(ctx context.Context, sessionID string, blob []byte) error {
	if int64(len(blob)) > s.maxBytes {
		return api.ErrStateTooLarge
	}
	return s.write(ctx, sessionID, blob, time.Time{})
}

func (s *Store) write(ctx context.Context, sessionID string, blob []byte, restoredUntil time.Time) error {
	m := meta{
		Size:          int64(len(blob)),
		Hash:          HashOf(blob),
		CreatedAt:     time.Now().UTC(),
		RestoredUntil: restoredUntil,
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("state: marshal meta for %s failed: %w", sessionID, err)
	}

	if err := s.hot.Set(ctx, blobKey(sessionID), blob, s.ttl); err != nil {
		return fmt.Errorf("state: save blob for %s failed: %w", sessionID, err)
	}
	if err := s.hot.Set(ctx, metaKey(sessionID), mb, s.ttl); err != nil {
		return fmt.Errorf("state: save meta for %s failed: %w", sessionID, err)
	}
	if err := s.hot.IndexAdd(ctx, lastAccessIndexKey, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("state: index %s failed: %w", sessionID, err)
	}
	return nil
}

// Load returns the session's state blob, or nil when the session has
// none. A cold hit is promoted back to the hot tier.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := s.hot.Get(ctx, blobKey(sessionID))
	if err == nil {
		metrics.StateLoads.WithLabelValues(types.TierHot).Inc()
		if err := s.hot.IndexAdd(ctx, lastAccessIndexKey, sessionID, time.Now().UTC()); err != nil {
			klog.Warningf("state: refresh last-access for %s failed: %v", sessionID, err)
		}
		return blob, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("state: load hot blob for %s failed: %w", sessionID, err)
	}

	blob, err = s.cold.Get(ctx, coldKey(sessionID))
	if errors.Is(err, objstore.ErrNotFound) {
		metrics.StateLoads.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load cold blob for %s failed: %w", sessionID, err)
	}

	metrics.StateLoads.WithLabelValues(types.TierCold).Inc()
	s.promote(ctx, sessionID, blob)
	return blob, nil
}

// promote copies a cold blob back to the hot tier. SetNX so a hot write
// that raced in (a newer Save or ClientUpload) is never clobbered.
func (s *Store) promote(ctx context.Context, sessionID string, blob []byte) {
	ok, err := s.hot.SetNX(ctx, blobKey(sessionID), blob, s.ttl)
	if err != nil {
		klog.Warningf("state: promote blob for %s failed: %v", sessionID, err)
		return
	}
	if !ok {
		return
	}
	m := meta{Size: int64(len(blob)), Hash: HashOf(blob), CreatedAt: time.Now().UTC()}
	mb, _ := json.Marshal(m)
	if _, err := s.hot.SetNX(ctx, metaKey(sessionID), mb, s.ttl); err != nil {
		klog.Warningf("state: promote meta for %s failed: %v", sessionID, err)
	}
	if err := s.hot.IndexAdd(ctx, lastAccessIndexKey, sessionID, time.Now().UTC()); err != nil {
		klog.Warningf("state: reindex promoted %s failed: %v", sessionID, err)
	}
	klog.V(2).Infof("state: promoted cold blob for session %s to hot tier", sessionID)
}

// Info describes the stored state without transferring the blob.
// Cold-tier answers recompute size and hash from the archived object;
// that path is rare and the read is small relative to execution cost.
func (s *Store) Info(ctx context.Context, sessionID string) (*types.StateInfo, error) {
	mb, err := s.hot.Get(ctx, metaKey(sessionID))
	if err == nil {
		var m meta
		if err := json.Unmarshal(mb, &m); err != nil {
			return nil, fmt.Errorf("state: unmarshal meta for %s failed: %w", sessionID, err)
		}
		info := &types.StateInfo{
			Exists:    true,
			Size:      m.Size,
			Hash:      m.Hash,
			CreatedAt: m.CreatedAt,
			Tier:      types.TierHot,
		}
		if ttl, err := s.hot.TTL(ctx, blobKey(sessionID)); err == nil && ttl > 0 {
			info.ExpiresAt = time.Now().UTC().Add(ttl)
		}
		return info, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("state: load meta for %s failed: %w", sessionID, err)
	}

	blob, err := s.cold.Get(ctx, coldKey(sessionID))
	if errors.Is(err, objstore.ErrNotFound) {
		return &types.StateInfo{Exists: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load cold blob for %s failed: %w", sessionID, err)
	}
	return &types.StateInfo{
		Exists: true,
		Size:   int64(len(blob)),
		Hash:   HashOf(blob),
		Tier:   types.TierCold,
	}, nil
}

// ClientUpload restores a client-cached blob after a server-side expiry.
// The uploaded bytes win over any archived server state for the restore
// grace window. clientHash, when non-empty, must match the payload.
func (s *Store) ClientUpload(ctx context.Context, sessionID string, blob []byte, clientHash string) error {
	if int64(len(blob)) > s.maxBytes {
		return api.ErrStateTooLarge
	}
	if clientHash != "" && clientHash != HashOf(blob) {
		return api.NewInvalidRequest("state hash mismatch")
	}
	return s.write(ctx, sessionID, blob, time.Now().UTC().Add(s.grace))
}

// Delete removes the session's state from both tiers. Idempotent.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.hot.Delete(ctx, blobKey(sessionID), metaKey(sessionID)); err != nil {
		return fmt.Errorf("state: delete hot entries for %s failed: %w", sessionID, err)
	}
	if err := s.hot.IndexRemove(ctx, lastAccessIndexKey, sessionID); err != nil {
		return fmt.Errorf("state: deindex %s failed: %w", sessionID, err)
	}
	if err := s.cold.Delete(ctx, coldKey(sessionID)); err != nil {
		return fmt.Errorf("state: delete cold blob for %s failed: %w", sessionID, err)
	}
	return nil
}
