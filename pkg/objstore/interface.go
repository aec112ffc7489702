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

package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no object exists at the requested key.
var ErrNotFound = errors.New("objstore: object not found")

// Store is the cold-tier object store. File bytes live under
// files/{session}/{file_id}; archived interpreter state under
// state-archive/{session}. Writes are idempotent per key.
type Store interface {
	// Put writes data at key, replacing any prior object
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object at key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object at key; missing objects are not an error
	Delete(ctx context.Context, key string) error
	// List returns the keys under the given prefix
	List(ctx context.Context, prefix string) ([]string, error)
}
