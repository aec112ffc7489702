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

package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the hot-tier key-value contract. Sessions, interpreter state,
// file metadata and rate-limit counters all live behind it. Values are
// raw bytes; both backends are binary-safe.
type Store interface {
	// Ping check store provider available or not
	Ping(ctx context.Context) error
	// Get returns the value at key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value with the given TTL (0 = no expiry), replacing any prior value
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent; reports whether it wrote
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Update replaces the value at an existing key, preserving its TTL;
	// returns ErrNotFound when the key does not exist
	Update(ctx context.Context, key string, value []byte) error
	// Delete removes the given keys; missing keys are not an error
	Delete(ctx context.Context, keys ...string) error
	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or ErrNotFound
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Expire resets the TTL of an existing key
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// IncrWindow increments a fixed-window counter, setting the window TTL
	// on first increment. Used for ratelimit:{key} counters.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// Keys returns all keys matching the glob pattern via incremental SCAN
	Keys(ctx context.Context, pattern string) ([]string, error)
	// IndexAdd upserts member into a time-ordered index
	IndexAdd(ctx context.Context, index, member string, at time.Time) error
	// IndexRemove drops members from an index
	IndexRemove(ctx context.Context, index string, members ...string) error
	// IndexRangeBefore returns up to limit members whose recorded time is
	// before the given instant, oldest first
	IndexRangeBefore(ctx context.Context, index string, before time.Time, limit int64) ([]string, error)
	// Close releases all resources held by the store (e.g. connection pools)
	Close() error
}

const (
	redisBackend  = "redis"
	valkeyBackend = "valkey"
)

// New builds the Store selected by backend ("redis" or "valkey").
// Connection details come from the backend's environment variables,
// matching how the store is deployed alongside the service.
func New(backend string) (Store, error) {
	switch strings.ToLower(backend) {
	case redisBackend:
		s, err := newRedisStore()
		if err != nil {
			return nil, fmt.Errorf("init redis store failed: %w", err)
		}
		return s, nil
	case valkeyBackend:
		s, err := newValkeyStore()
		if err != nil {
			return nil, fmt.Errorf("init valkey store failed: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported kv backend: %v", backend)
	}
}
