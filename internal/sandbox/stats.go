package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
)

// statsSample is the slice of the runtime's stats document we read.
type statsSample struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
}

func decodeStats(r io.Reader) (Stats, error) {
	var s statsSample
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Stats{}, fmt.Errorf("failed to decode stats: %w", err)
	}
	return Stats{
		CPUPercent: cpuPercent(s.CPUStats.CPUUsage.TotalUsage, s.PreCPUStats.CPUUsage.TotalUsage,
			s.CPUStats.SystemUsage, s.PreCPUStats.SystemUsage),
		MemMB: float64(s.MemoryStats.Usage) / (1024 * 1024),
	}, nil
}

// cpuPercent is cpuDelta/systemDelta*100, or 0 when either delta is not
// positive (one-shot samples often carry an empty precpu block).
func cpuPercent(cpuTotal, preCPUTotal, system, preSystem uint64) float64 {
	if cpuTotal <= preCPUTotal || system <= preSystem {
		return 0
	}
	cpuDelta := float64(cpuTotal - preCPUTotal)
	systemDelta := float64(system - preSystem)
	return cpuDelta / systemDelta * 100
}
