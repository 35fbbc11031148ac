package sandbox

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
)

const (
	DefaultCPUQuota  = 200000
	DefaultCPUPeriod = 100000
	DefaultMemLimit  = "512m"
	DefaultPidsLimit = 128
	DefaultShmSize   = "64m"
)

// ResourceLimits bounds a single unit. The zero value is not useful; start
// from DefaultLimits.
type ResourceLimits struct {
	CPUQuota       int64  `json:"cpu_quota"`
	CPUPeriod      int64  `json:"cpu_period"`
	MemLimit       string `json:"mem_limit"`
	PidsLimit      int64  `json:"pids_limit"`
	ShmSize        string `json:"shm_size"`
	NetworkEnabled bool   `json:"network_enabled"`
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUQuota:  DefaultCPUQuota,
		CPUPeriod: DefaultCPUPeriod,
		MemLimit:  DefaultMemLimit,
		PidsLimit: DefaultPidsLimit,
		ShmSize:   DefaultShmSize,
	}
}

// Validate checks that every bound is usable by the container runtime.
func (l ResourceLimits) Validate() error {
	if l.CPUQuota <= 0 || l.CPUPeriod <= 0 {
		return fmt.Errorf("cpu quota and period must be positive")
	}
	if l.PidsLimit <= 0 {
		return fmt.Errorf("pids_limit must be positive")
	}
	if _, err := units.RAMInBytes(l.MemLimit); err != nil {
		return fmt.Errorf("invalid mem_limit %q: %w", l.MemLimit, err)
	}
	if _, err := units.RAMInBytes(l.ShmSize); err != nil {
		return fmt.Errorf("invalid shm_size %q: %w", l.ShmSize, err)
	}
	return nil
}

// hostConfig translates the limits into a locked-down container host config.
func (l ResourceLimits) hostConfig(seccompProfile string) (*container.HostConfig, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	mem, _ := units.RAMInBytes(l.MemLimit)
	shm, _ := units.RAMInBytes(l.ShmSize)
	pids := l.PidsLimit

	securityOpt := []string{"no-new-privileges"}
	if seccompProfile != "" {
		securityOpt = append([]string{"seccomp=" + seccompProfile}, securityOpt...)
	}

	networkMode := container.NetworkMode("none")
	if l.NetworkEnabled {
		networkMode = "bridge"
	}

	return &container.HostConfig{
		Resources: container.Resources{
			CPUQuota:   l.CPUQuota,
			CPUPeriod:  l.CPUPeriod,
			Memory:     mem,
			MemorySwap: mem, // no swap
			PidsLimit:  &pids,
		},
		ShmSize:     shm,
		NetworkMode: networkMode,
		SecurityOpt: securityOpt,
		CapDrop:     []string{"ALL"},
	}, nil
}
