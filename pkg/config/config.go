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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crucible-sh/crucible/pkg/langs"
)

// Config is the immutable configuration record threaded into every
// component constructor at startup. Nothing reads it after construction
// through a global; mutate a copy in tests, never a shared instance.
type Config struct {
	// Server
	Port                  string
	EnableTLS             bool
	TLSCert               string
	TLSKey                string
	MaxConcurrentRequests int
	// RateLimitPerMinute caps requests per client IP; 0 disables the check.
	RateLimitPerMinute int
	// ExecPrefaceByte makes /exec emit a single whitespace byte as soon as
	// execution starts, keeping upstream idle timeouts from severing long
	// calls. Whitespace is valid JSON preamble, so response.json() still works.
	ExecPrefaceByte bool

	// Kubernetes
	Namespace          string
	RuntimeClassName   string
	ImageRegistry      string
	BoxdPort           int
	PodStartupDeadline time.Duration

	// Pool
	PoolEnabled           bool
	PoolWarmupOnStartup   bool
	PoolTargets           map[string]int
	PoolParallelBatch     int
	PoolReplenishInterval time.Duration
	PoolExhaustionTrigger bool
	PoolStartupDeadline   time.Duration
	PoolHealthInterval    time.Duration
	PoolAcquireTimeout    time.Duration
	PoolFallbackCold      bool

	// Execution
	MaxExecutionTime        time.Duration
	DefaultExecutionTimeout time.Duration
	MaxCodeBytes            int64
	MaxMemoryMiB            int
	MaxPids                 int64
	MaxOpenFiles            int
	MaxConcurrentExecutions int

	// Files
	MaxFileSizeMiB      int64
	MaxTotalFileSizeMiB int64
	MaxFilesPerSession  int
	MaxOutputFiles      int
	MaxFilenameLength   int

	// Session
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration

	// State
	StateEnabled              bool
	StateTTL                  time.Duration
	StateMaxSizeMiB           int64
	StateArchiveEnabled       bool
	StateArchiveAfter         time.Duration
	StateArchiveTTLDays       int
	StateArchiveCheckInterval time.Duration
	StateRestoreGrace         time.Duration

	// Storage backends
	KVBackend string // "redis" or "valkey"
	S3Bucket  string
	S3Region  string
	// S3Endpoint overrides the AWS endpoint, for MinIO and compatible stores.
	S3Endpoint string
}

// Default returns the configuration with every knob at its documented
// default. Deployment overrides come from flags and environment variables.
func Default() *Config {
	targets := make(map[string]int, len(langs.Supported()))
	for _, l := range langs.Supported() {
		targets[l] = 0
	}
	targets["py"] = 3

	return &Config{
		Port:                  "8080",
		MaxConcurrentRequests: 1000,

		Namespace:          "default",
		ImageRegistry:      "ghcr.io/crucible-sh",
		BoxdPort:           8089,
		PodStartupDeadline: 120 * time.Second,

		PoolEnabled:           true,
		PoolWarmupOnStartup:   true,
		PoolTargets:           targets,
		PoolParallelBatch:     5,
		PoolReplenishInterval: 2 * time.Second,
		PoolExhaustionTrigger: true,
		PoolStartupDeadline:   60 * time.Second,
		PoolHealthInterval:    15 * time.Second,
		PoolAcquireTimeout:    10 * time.Second,

		MaxExecutionTime:        300 * time.Second,
		DefaultExecutionTimeout: 30 * time.Second,
		MaxCodeBytes:            1 << 20,
		MaxMemoryMiB:            512,
		MaxPids:                 128,
		MaxOpenFiles:            1024,
		MaxConcurrentExecutions: 100,

		MaxFileSizeMiB:      100,
		MaxTotalFileSizeMiB: 500,
		MaxFilesPerSession:  100,
		MaxOutputFiles:      20,
		MaxFilenameLength:   255,

		SessionTTL:             24 * time.Hour,
		SessionCleanupInterval: 10 * time.Minute,

		StateEnabled:              true,
		StateTTL:                  2 * time.Hour,
		StateMaxSizeMiB:           50,
		StateArchiveEnabled:       true,
		StateArchiveAfter:         time.Hour,
		StateArchiveTTLDays:       7,
		StateArchiveCheckInterval: 5 * time.Minute,
		StateRestoreGrace:         30 * time.Second,

		KVBackend: "redis",
		S3Bucket:  "crucible",
		S3Region:  "us-east-1",
	}
}

// LoadEnv overlays environment variables onto c and returns c.
// Pool targets are read from POOL_TARGET_<LANG> (upper-cased language code).
func (c *Config) LoadEnv() *Config {
	c.Port = envOr("CRUCIBLE_PORT", c.Port)
	c.Namespace = envOr("CRUCIBLE_NAMESPACE", c.Namespace)
	c.RuntimeClassName = envOr("CRUCIBLE_RUNTIME_CLASS", c.RuntimeClassName)
	c.ImageRegistry = envOr("CRUCIBLE_IMAGE_REGISTRY", c.ImageRegistry)
	c.KVBackend = strings.ToLower(envOr("STORE_TYPE", c.KVBackend))
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)

	c.PoolEnabled = envBool("POOL_ENABLED", c.PoolEnabled)
	c.PoolWarmupOnStartup = envBool("POOL_WARMUP_ON_STARTUP", c.PoolWarmupOnStartup)
	c.PoolParallelBatch = envInt("POOL_PARALLEL_BATCH", c.PoolParallelBatch)
	c.PoolReplenishInterval = envSeconds("POOL_REPLENISH_INTERVAL_S", c.PoolReplenishInterval)
	c.PoolExhaustionTrigger = envBool("POOL_EXHAUSTION_TRIGGER", c.PoolExhaustionTrigger)
	c.PoolStartupDeadline = envSeconds("POOL_STARTUP_DEADLINE_S", c.PoolStartupDeadline)
	c.PoolHealthInterval = envSeconds("POOL_HEALTH_INTERVAL_S", c.PoolHealthInterval)
	c.PoolFallbackCold = envBool("POOL_FALLBACK_COLD", c.PoolFallbackCold)
	for _, l := range langs.Supported() {
		c.PoolTargets[l] = envInt("POOL_TARGET_"+strings.ToUpper(l), c.PoolTargets[l])
	}

	c.MaxExecutionTime = envSeconds("MAX_EXECUTION_TIME_S", c.MaxExecutionTime)
	c.MaxMemoryMiB = envInt("MAX_MEMORY_MIB", c.MaxMemoryMiB)
	c.MaxPids = int64(envInt("MAX_PIDS", int(c.MaxPids)))
	c.MaxOpenFiles = envInt("MAX_OPEN_FILES", c.MaxOpenFiles)
	c.MaxConcurrentExecutions = envInt("MAX_CONCURRENT_EXECUTIONS", c.MaxConcurrentExecutions)
	c.MaxConcurrentRequests = envInt("MAX_CONCURRENT_REQUESTS", c.MaxConcurrentRequests)
	c.RateLimitPerMinute = envInt("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.ExecPrefaceByte = envBool("EXEC_PREFACE_BYTE", c.ExecPrefaceByte)

	c.MaxFileSizeMiB = int64(envInt("MAX_FILE_SIZE_MIB", int(c.MaxFileSizeMiB)))
	c.MaxTotalFileSizeMiB = int64(envInt("MAX_TOTAL_FILE_SIZE_MIB", int(c.MaxTotalFileSizeMiB)))
	c.MaxFilesPerSession = envInt("MAX_FILES_PER_SESSION", c.MaxFilesPerSession)
	c.MaxOutputFiles = envInt("MAX_OUTPUT_FILES", c.MaxOutputFiles)
	c.MaxFilenameLength = envInt("MAX_FILENAME_LENGTH", c.MaxFilenameLength)

	if h := envInt("SESSION_TTL_HOURS", 0); h > 0 {
		c.SessionTTL = time.Duration(h) * time.Hour
	}
	if m := envInt("SESSION_CLEANUP_INTERVAL_MINUTES", 0); m > 0 {
		c.SessionCleanupInterval = time.Duration(m) * time.Minute
	}

	c.StateEnabled = envBool("STATE_ENABLED", c.StateEnabled)
	c.StateTTL = envSeconds("STATE_TTL_S", c.StateTTL)
	c.StateMaxSizeMiB = int64(envInt("STATE_MAX_SIZE_MIB", int(c.StateMaxSizeMiB)))
	c.StateArchiveEnabled = envBool("STATE_ARCHIVE_ENABLED", c.StateArchiveEnabled)
	c.StateArchiveAfter = envSeconds("STATE_ARCHIVE_AFTER_S", c.StateArchiveAfter)
	c.StateArchiveTTLDays = envInt("STATE_ARCHIVE_TTL_DAYS", c.StateArchiveTTLDays)
	c.StateArchiveCheckInterval = envSeconds("STATE_ARCHIVE_CHECK_INTERVAL_S", c.StateArchiveCheckInterval)
	c.StateRestoreGrace = envSeconds("STATE_RESTORE_GRACE_S", c.StateRestoreGrace)

	return c
}

// Validate rejects configurations that cannot serve requests.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: port is empty")
	}
	if c.KVBackend != "redis" && c.KVBackend != "valkey" {
		return fmt.Errorf("config: unsupported kv backend %q", c.KVBackend)
	}
	if c.MaxExecutionTime < time.Second {
		return fmt.Errorf("config: max execution time %v below 1s floor", c.MaxExecutionTime)
	}
	if c.DefaultExecutionTimeout > c.MaxExecutionTime {
		return fmt.Errorf("config: default timeout %v exceeds max execution time %v",
			c.DefaultExecutionTimeout, c.MaxExecutionTime)
	}
	if c.PoolParallelBatch <= 0 {
		return fmt.Errorf("config: pool parallel batch must be positive")
	}
	for l := range c.PoolTargets {
		if !langs.IsSupported(l) {
			return fmt.Errorf("config: pool target for unknown language %q", l)
		}
	}
	if c.StateMaxSizeMiB <= 0 {
		return fmt.Errorf("config: state max size must be positive")
	}
	return nil
}

// ClampTimeout bounds a per-request timeout override to [1s, MaxExecutionTime].
// A zero request value means "use the default".
func (c *Config) ClampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return c.DefaultExecutionTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d < time.Second {
		return time.Second
	}
	if d > c.MaxExecutionTime {
		return c.MaxExecutionTime
	}
	return d
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
