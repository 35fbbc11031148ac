package sandbox

import (
	"encoding/json"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, int64(200000), l.CPUQuota)
	assert.Equal(t, int64(100000), l.CPUPeriod)
	assert.Equal(t, "512m", l.MemLimit)
	assert.Equal(t, int64(128), l.PidsLimit)
	assert.Equal(t, "64m", l.ShmSize)
	assert.False(t, l.NetworkEnabled)
	assert.NoError(t, l.Validate())
}

func TestLimitsPartialJSONKeepsDefaults(t *testing.T) {
	l := DefaultLimits()
	require.NoError(t, json.Unmarshal([]byte(`{"mem_limit":"256m","network_enabled":true}`), &l))
	assert.Equal(t, "256m", l.MemLimit)
	assert.True(t, l.NetworkEnabled)
	assert.Equal(t, int64(128), l.PidsLimit)
	assert.Equal(t, "64m", l.ShmSize)
}

func TestLimitsValidate(t *testing.T) {
	cases := map[string]func(*ResourceLimits){
		"bad memory":  func(l *ResourceLimits) { l.MemLimit = "lots" },
		"bad shm":     func(l *ResourceLimits) { l.ShmSize = "" },
		"zero pids":   func(l *ResourceLimits) { l.PidsLimit = 0 },
		"zero period": func(l *ResourceLimits) { l.CPUPeriod = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			l := DefaultLimits()
			mutate(&l)
			assert.Error(t, l.Validate())
		})
	}
}

func TestHostConfigLockdown(t *testing.T) {
	hc, err := DefaultLimits().hostConfig(`{"defaultAction":"SCMP_ACT_ALLOW"}`)
	require.NoError(t, err)

	assert.Equal(t, []string{"ALL"}, []string(hc.CapDrop))
	assert.Equal(t, []string{`seccomp={"defaultAction":"SCMP_ACT_ALLOW"}`, "no-new-privileges"}, hc.SecurityOpt)
	assert.Equal(t, container.NetworkMode("none"), hc.NetworkMode)
	assert.Equal(t, int64(512*1024*1024), hc.Memory)
	assert.Equal(t, hc.Memory, hc.MemorySwap)
	assert.Equal(t, int64(64*1024*1024), hc.ShmSize)
	assert.Equal(t, int64(200000), hc.CPUQuota)
	assert.Equal(t, int64(100000), hc.CPUPeriod)
	require.NotNil(t, hc.PidsLimit)
	assert.Equal(t, int64(128), *hc.PidsLimit)
}

func TestHostConfigNetworkOptIn(t *testing.T) {
	l := DefaultLimits()
	l.NetworkEnabled = true
	hc, err := l.hostConfig("")
	require.NoError(t, err)
	assert.Equal(t, container.NetworkMode("bridge"), hc.NetworkMode)
	assert.Equal(t, []string{"no-new-privileges"}, hc.SecurityOpt)
}
