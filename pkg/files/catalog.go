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

// Package files is the session file catalog. Metadata lives in the KV
// store under file:{session}:{file_id}; the bytes live in the object
// store under files/{session}/{file_id}.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/kv"
	"github.com/crucible-sh/crucible/pkg/objstore"
)

const (
	filePrefix = "file:"
	blobPrefix = "files/"
)

// Limits bound what a single session may store.
type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
	MaxCount      int
	MaxNameLen    int
}

// Catalog tracks the files attached to sessions.
type Catalog struct {
	store  kv.Store
	blobs  objstore.Store
	limits Limits
	ttl    time.Duration
}

// New builds a Catalog. ttl should match the session TTL so metadata
// ages out with its session.
func New(store kv.Store, blobs objstore.Store, limits Limits, ttl time.Duration) *Catalog {
	if limits.MaxNameLen <= 0 {
		limits.MaxNameLen = 255
	}
	return &Catalog{store: store, blobs: blobs, limits: limits, ttl: ttl}
}

func metaKey(sessionID, fileID string) string {
	return filePrefix + sessionID + ":" + fileID
}

func blobKey(sessionID, fileID string) string {
	return blobPrefix + sessionID + "/" + fileID
}

// SanitizeName normalizes a client-supplied filename to a bare name.
// Anything that could escape the session's directory is rejected.
func (c *Catalog) SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", api.NewInvalidRequest("empty filename")
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return "", api.NewInvalidRequest("filename %q contains path elements", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", api.NewInvalidRequest("filename contains control characters")
		}
	}
	if name != path.Base(name) || name == "." {
		return "", api.NewInvalidRequest("filename %q contains path elements", name)
	}
	if len(name) > c.limits.MaxNameLen {
		return "", api.NewInvalidRequest("filename exceeds %d characters", c.limits.MaxNameLen)
	}
	return name, nil
}

// Upload stores a file under the session and returns its record. An
// existing file with the same name is replaced.
func (c *Catalog) Upload(ctx context.Context, sessionID, name, contentType string, data []byte) (*types.StoredFile, error) {
	name, err := c.SanitizeName(name)
	if err != nil {
		return nil, err
	}
	if c.limits.MaxFileBytes > 0 && int64(len(data)) > c.limits.MaxFileBytes {
		return nil, api.NewInvalidRequest("file exceeds %d byte limit", c.limits.MaxFileBytes)
	}

	existing, err := c.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, f := range existing {
		if f.Name == name {
			// Replacement; drop the old copy first so the quota
			// check does not count it.
			if err := c.Delete(ctx, sessionID, f.FileID); err != nil {
				return nil, err
			}
			continue
		}
		total += f.Size
	}
	if c.limits.MaxCount > 0 && len(existing) >= c.limits.MaxCount {
		return nil, api.NewInvalidRequest("session file count limit of %d reached", c.limits.MaxCount)
	}
	if c.limits.MaxTotalBytes > 0 && total+int64(len(data)) > c.limits.MaxTotalBytes {
		return nil, api.NewInvalidRequest("session storage limit of %d bytes reached", c.limits.MaxTotalBytes)
	}

	rec := &types.StoredFile{
		SessionID:   sessionID,
		FileID:      uuid.NewString(),
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("Upload: marshal file record failed: %w", err)
	}

	if err := c.blobs.Put(ctx, blobKey(sessionID, rec.FileID), data); err != nil {
		return nil, fmt.Errorf("Upload: store blob for %s failed: %w", name, err)
	}
	if err := c.store.Set(ctx, metaKey(sessionID, rec.FileID), b, c.ttl); err != nil {
		return nil, fmt.Errorf("Upload: store record for %s failed: %w", name, err)
	}
	klog.V(2).Infof("files: stored %s (%d bytes) as %s in session %s", name, rec.Size, rec.FileID, sessionID)
	return rec, nil
}

// Get returns the metadata record for one file.
func (c *Catalog) Get(ctx context.Context, sessionID, fileID string) (*types.StoredFile, error) {
	b, err := c.store.Get(ctx, metaKey(sessionID, fileID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, api.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: load file record %s failed: %w", fileID, err)
	}
	var rec types.StoredFile
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("Get: unmarshal file record %s failed: %w", fileID, err)
	}
	return &rec, nil
}

// Download returns the metadata and bytes for one file.
func (c *Catalog) Download(ctx context.Context, sessionID, fileID string) (*types.StoredFile, []byte, error) {
	rec, err := c.Get(ctx, sessionID, fileID)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.blobs.Get(ctx, blobKey(sessionID, fileID))
	if errors.Is(err, objstore.ErrNotFound) {
		// Record without bytes; treat as gone rather than half-present.
		return nil, nil, api.ErrFileNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("Download: load blob %s failed: %w", fileID, err)
	}
	return rec, data, nil
}

// ByName finds a file record by its client-visible name.
func (c *Catalog) ByName(ctx context.Context, sessionID, name string) (*types.StoredFile, error) {
	recs, err := c.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i].Name == name {
			return &recs[i], nil
		}
	}
	return nil, api.ErrFileNotFound
}

// List returns all file records for the session, newest last.
func (c *Catalog) List(ctx context.Context, sessionID string) ([]types.StoredFile, error) {
	keys, err := c.store.Keys(ctx, filePrefix+sessionID+":*")
	if err != nil {
		return nil, fmt.Errorf("List: scan records for %s failed: %w", sessionID, err)
	}

	recs := make([]types.StoredFile, 0, len(keys))
	for _, k := range keys {
		b, err := c.store.Get(ctx, k)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("List: load record %s failed: %w", k, err)
		}
		var rec types.StoredFile
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("List: unmarshal record %s failed: %w", k, err)
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// Delete removes one file. Idempotent.
func (c *Catalog) Delete(ctx context.Context, sessionID, fileID string) error {
	if err := c.blobs.Delete(ctx, blobKey(sessionID, fileID)); err != nil {
		return fmt.Errorf("Delete: delete blob %s failed: %w", fileID, err)
	}
	if err := c.store.Delete(ctx, metaKey(sessionID, fileID)); err != nil {
		return fmt.Errorf("Delete: delete record %s failed: %w", fileID, err)
	}
	return nil
}

// DeleteSession removes every file the session owns. Idempotent.
func (c *Catalog) DeleteSession(ctx context.Context, sessionID string) error {
	keys, err := c.store.Keys(ctx, filePrefix+sessionID+":*")
	if err != nil {
		return fmt.Errorf("DeleteSession: scan records for %s failed: %w", sessionID, err)
	}
	if len(keys) > 0 {
		if err := c.store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("DeleteSession: delete records for %s failed: %w", sessionID, err)
		}
	}

	objKeys, err := c.blobs.List(ctx, blobPrefix+sessionID+"/")
	if err != nil {
		return fmt.Errorf("DeleteSession: list blobs for %s failed: %w", sessionID, err)
	}
	for _, k := range objKeys {
		if err := c.blobs.Delete(ctx, k); err != nil {
			return fmt.Errorf("DeleteSession: delete blob %s failed: %w", k, err)
		}
	}
	return nil
}
