package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// Sampler reports the resource usage of the node it runs on
type Sampler interface {
	Sample(ctx context.Context) (domain.ResourceGauges, error)
}

// HostSampler samples CPU, memory and disk usage of the local host
type HostSampler struct {
	DiskPath  string        // Mount point holding the VM disks
	CPUWindow time.Duration // How long CPU usage is measured for
}

// NewHostSampler creates a sampler measuring disk usage of diskPath
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{DiskPath: diskPath, CPUWindow: 200 * time.Millisecond}
}

// Sample takes one measurement
func (h *HostSampler) Sample(ctx context.Context) (domain.ResourceGauges, error) {
	percents, err := cpu.PercentWithContext(ctx, h.CPUWindow, false)
	if err != nil {
		return domain.ResourceGauges{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.ResourceGauges{}, fmt.Errorf("failed to sample memory: %w", err)
	}
	usage, err := disk.UsageWithContext(ctx, h.DiskPath)
	if err != nil {
		return domain.ResourceGauges{}, fmt.Errorf("failed to sample disk %s: %w", h.DiskPath, err)
	}

	gauges := domain.ResourceGauges{Memory: vm.UsedPercent, Disk: usage.UsedPercent}
	if len(percents) > 0 {
		gauges.CPU = percents[0]
	}
	return gauges, nil
}

// Static always reports the same gauges
type Static domain.ResourceGauges

// Sample returns the fixed gauges
func (s Static) Sample(ctx context.Context) (domain.ResourceGauges, error) {
	return domain.ResourceGauges(s), nil
}
