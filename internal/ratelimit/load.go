package ratelimit

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// weights for combining CPU and memory pressure into one load score
const (
	cpuWeight = 0.7
	memWeight = 0.3
)

// SystemLoad samples host CPU and memory utilization and combines them
// into a single load score in [0, 1]
func SystemLoad(ctx context.Context) (float64, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("failed to sample CPU: %w", err)
	}
	var cpuFraction float64
	if len(cpuPercents) > 0 {
		cpuFraction = cpuPercents[0] / 100
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sample memory: %w", err)
	}
	memFraction := vm.UsedPercent / 100

	load := cpuWeight*cpuFraction + memWeight*memFraction
	if load > 1 {
		load = 1
	}
	return load, nil
}
