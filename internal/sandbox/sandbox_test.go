package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputSuccess(t *testing.T) {
	out := &Output{Code: 0, Signal: 0}
	assert.True(t, out.Success())

	out = &Output{Code: 1}
	assert.False(t, out.Success())

	out = &Output{Code: 0, Signal: 9}
	assert.False(t, out.Success(), "a killed child is never a success")
}

func TestConfigSpecRoundTrip(t *testing.T) {
	cfg := &Config{
		Bin:             "./src",
		Args:            []string{"arg"},
		Env:             []string{"PATH=/usr/bin"},
		Stdin:           "/dev/null",
		UID:             1000,
		GID:             1000,
		RealTimeLimitMS: 500,
		RlimitCPUSec:    1,
		CgLimitMemory:   64 << 20,
		CgLimitMaxPids:  3,
		CgroupCPU:       "/sys/fs/cgroup/cpu/heng-sandbox/x",
	}

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, cfg.Bin, decoded.Bin)
	assert.Equal(t, cfg.CgLimitMaxPids, decoded.CgLimitMaxPids)
	assert.Equal(t, cfg.CgroupCPU, decoded.CgroupCPU)
}

func TestChildErrorMessage(t *testing.T) {
	err := &childError{Stage: "exec", Message: "no such file"}
	assert.Contains(t, err.Error(), "exec")
	assert.Contains(t, err.Error(), "no such file")
}

func TestResolveBinExplicitPath(t *testing.T) {
	bin, err := resolveBin("./src", nil)
	require.NoError(t, err)
	assert.Equal(t, "./src", bin)

	bin, err = resolveBin("/usr/bin/python3", nil)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3", bin)
}

func TestResolveBinMissing(t *testing.T) {
	_, err := resolveBin("definitely-not-a-binary", []string{"PATH=/nonexistent"})
	assert.Error(t, err)
}
