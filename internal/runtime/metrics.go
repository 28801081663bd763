// Package runtime is the system janitor: it samples OS resources,
// executes queued tasks under adaptive concurrency, and sheds load
// when the host runs hot.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Snapshot is one OS resource sample.
type Snapshot struct {
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	DiskPercent  float64   `json:"disk_percent"`
	Load1        float64   `json:"load_1"`
	NetBytesSent uint64    `json:"net_bytes_sent"`
	NetBytesRecv uint64    `json:"net_bytes_recv"`
	Timestamp    time.Time `json:"timestamp"`
}

// MetricsSource supplies resource snapshots.
type MetricsSource interface {
	Sample(ctx context.Context) (*Snapshot, error)
}

// OSSampler reads real host metrics.
type OSSampler struct {
	diskPath string
}

// NewOSSampler samples the host; diskPath defaults to the root
// filesystem.
func NewOSSampler(diskPath string) *OSSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &OSSampler{diskPath: diskPath}
}

// Sample reads one snapshot. Partial failures fail the whole sample;
// callers treat sampling as best-effort.
func (s *OSSampler) Sample(ctx context.Context) (*Snapshot, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return nil, fmt.Errorf("sample disk: %w", err)
	}

	snap := &Snapshot{
		CPUPercent:  cpuPercent,
		MemPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
		Timestamp:   time.Now().UTC(),
	}

	// Load and network are informational; missing them is fine.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load1 = avg.Load1
	}
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetBytesSent = counters[0].BytesSent
		snap.NetBytesRecv = counters[0].BytesRecv
	}
	return snap, nil
}
