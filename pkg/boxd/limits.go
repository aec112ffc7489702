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

package boxd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyResourceLimits installs the process and file-descriptor caps the
// sandbox manager injected. Rlimits survive exec, so every process the
// agent spawns inherits them. Zero values keep the pod defaults.
func ApplyResourceLimits(cfg Config) error {
	if cfg.MaxPids > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.MaxPids), Max: uint64(cfg.MaxPids)}
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &lim); err != nil {
			return fmt.Errorf("ApplyResourceLimits: set RLIMIT_NPROC=%d failed: %w", cfg.MaxPids, err)
		}
	}
	if cfg.MaxOpenFiles > 0 {
		lim := unix.Rlimit{Cur: uint64(cfg.MaxOpenFiles), Max: uint64(cfg.MaxOpenFiles)}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return fmt.Errorf("ApplyResourceLimits: set RLIMIT_NOFILE=%d failed: %w", cfg.MaxOpenFiles, err)
		}
	}
	return nil
}
