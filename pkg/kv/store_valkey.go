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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
	"k8s.io/klog/v2"
)

type valkeyStore struct {
	cli valkey.Client
}

// newValkeyStore init valkey store client
func newValkeyStore() (*valkeyStore, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyStore{cli: client}, nil
}

// makeValkeyOptions creates valkey ClientOption from environment variables
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyPassword := os.Getenv("VALKEY_PASSWORD")
	// Secure-by-default: require non-empty password unless explicitly disabled via VALKEY_PASSWORD_REQUIRED=false.
	if strings.ToLower(os.Getenv("VALKEY_PASSWORD_REQUIRED")) != "false" && valkeyPassword == "" {
		return nil, fmt.Errorf("VALKEY_PASSWORD is required but not set")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    valkeyPassword,
	}
	if v := os.Getenv("VALKEY_DISABLE_CACHE"); v != "" {
		if disableCache, err := strconv.ParseBool(v); err == nil && disableCache {
			valkeyClientOptions.DisableCache = true
			klog.Info("valkeyClientOptions DisableCache is set to true")
		}
	}
	if v := os.Getenv("VALKEY_FORCE_SINGLE"); v != "" {
		if forceSingle, err := strconv.ParseBool(v); err == nil && forceSingle {
			valkeyClientOptions.ForceSingleClient = true
			klog.Info("valkeyClientOptions ForceSingleClient is set to true")
		}
	}
	return valkeyClientOptions, nil
}

func (vs *valkeyStore) Ping(ctx context.Context) error {
	resp, err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (vs *valkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Get: valkey GET %s failed: %w", key, err)
	}
	return b, nil
}

func (vs *valkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = vs.cli.B().Set().Key(key).Value(valkey.BinaryString(value)).Px(ttl).Build()
	} else {
		cmd = vs.cli.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
	}
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("Set: valkey SET %s failed: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = vs.cli.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx().Px(ttl).Build()
	} else {
		cmd = vs.cli.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx().Build()
	}
	err := vs.cli.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("SetNX: valkey SETNX %s failed: %w", key, err)
	}
	return true, nil
}

func (vs *valkeyStore) Update(ctx context.Context, key string, value []byte) error {
	cmd := vs.cli.B().Set().Key(key).Value(valkey.BinaryString(value)).Xx().Keepttl().Build()
	err := vs.cli.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return ErrNotFound
		}
		return fmt.Errorf("Update: valkey SETXX %s failed: %w", key, err)
	}
	return nil
}

func (vs *valkeyStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := vs.cli.Do(ctx, vs.cli.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("Delete: valkey DEL failed: %w", err)
	}
	return nil
}

func (vs *valkeyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := vs.cli.Do(ctx, vs.cli.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("Exists: valkey EXISTS %s failed: %w", key, err)
	}
	return n == 1, nil
}

func (vs *valkeyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	n, err := vs.cli.Do(ctx, vs.cli.B().Pttl().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("TTL: valkey PTTL %s failed: %w", key, err)
	}
	if n == -2 {
		return 0, ErrNotFound
	}
	if n < 0 {
		return 0, nil
	}
	return time.Duration(n) * time.Millisecond, nil
}

func (vs *valkeyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	n, err := vs.cli.Do(ctx, vs.cli.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("Expire: valkey PEXPIRE %s failed: %w", key, err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

func (vs *valkeyStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := vs.cli.Do(ctx, vs.cli.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("IncrWindow: valkey INCR %s failed: %w", key, err)
	}
	if n == 1 {
		cmd := vs.cli.B().Pexpire().Key(key).Milliseconds(window.Milliseconds()).Build()
		if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
			return n, fmt.Errorf("IncrWindow: valkey PEXPIRE %s failed: %w", key, err)
		}
	}
	return n, nil
}

func (vs *valkeyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		entry, err := vs.cli.Do(ctx, vs.cli.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("Keys: valkey SCAN %s failed: %w", pattern, err)
		}
		out = append(out, entry.Elements...)
		if entry.Cursor == 0 {
			return out, nil
		}
		cursor = entry.Cursor
	}
}

func (vs *valkeyStore) IndexAdd(ctx context.Context, index, member string, at time.Time) error {
	cmd := vs.cli.B().Zadd().Key(index).ScoreMember().
		ScoreMember(float64(at.Unix()), member).Build()
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("IndexAdd: valkey ZADD %s failed: %w", index, err)
	}
	return nil
}

func (vs *valkeyStore) IndexRemove(ctx context.Context, index string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	cmd := vs.cli.B().Zrem().Key(index).Member(members...).Build()
	if err := vs.cli.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("IndexRemove: valkey ZREM %s failed: %w", index, err)
	}
	return nil
}

func (vs *valkeyStore) IndexRangeBefore(ctx context.Context, index string, before time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	cmd := vs.cli.B().Zrangebyscore().Key(index).Min("-inf").
		Max(fmt.Sprintf("%d", before.Unix())).Limit(0, limit).Build()
	ids, err := vs.cli.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("IndexRangeBefore: ZRangeByScore failed: %w", err)
	}
	return ids, nil
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
