package boxd

import (
	"testing"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestConfigFromEnvResourceLimits(t *testing.T) {
	t.Setenv("BOXD_MAX_PIDS", "64")
	t.Setenv("BOXD_MAX_OPEN_FILES", "256")

	cfg := ConfigFromEnv()
	assert.Equal(t, int64(64), cfg.MaxPids)
	assert.Equal(t, 256, cfg.MaxOpenFiles)
}

func TestApplyResourceLimits(t *testing.T) {
	got := map[int]unix.Rlimit{}
	patches := gomonkey.ApplyFunc(unix.Setrlimit, func(which int, lim *unix.Rlimit) error {
		got[which] = *lim
		return nil
	})
	defer patches.Reset()

	err := ApplyResourceLimits(Config{MaxPids: 64, MaxOpenFiles: 256})
	assert.NoError(t, err)
	assert.Equal(t, unix.Rlimit{Cur: 64, Max: 64}, got[unix.RLIMIT_NPROC])
	assert.Equal(t, unix.Rlimit{Cur: 256, Max: 256}, got[unix.RLIMIT_NOFILE])
}

func TestApplyResourceLimitsZeroIsNoop(t *testing.T) {
	calls := 0
	patches := gomonkey.ApplyFunc(unix.Setrlimit, func(which int, lim *unix.Rlimit) error {
		calls++
		return nil
	})
	defer patches.Reset()

	assert.NoError(t, ApplyResourceLimits(Config{}))
	assert.Zero(t, calls, "zero config should leave the pod defaults alone")
}
