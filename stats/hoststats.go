package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

// HostSampler reports CPU use and the network and disk counter deltas since
// the previous sample.
type HostSampler struct {
	mu       sync.Mutex
	nic      string
	disk     string
	netPrev  net.IOCountersStat
	diskPrev disk.IOCountersStat
	last     string
}

// NewHostSampler samples all NICs and disks combined when nic or disk is empty.
func NewHostSampler(nic, diskName string) *HostSampler {
	h := &HostSampler{nic: nic, disk: diskName}
	h.netPrev, _ = h.curNet(context.Background())
	h.diskPrev, _ = h.curDisk(context.Background())
	return h
}

func (h *HostSampler) curNet(ctx context.Context) (net.IOCountersStat, error) {
	nics, err := net.IOCountersWithContext(ctx, h.nic != "")
	if err != nil {
		return net.IOCountersStat{}, err
	}
	for _, n := range nics {
		if h.nic == "" || n.Name == h.nic {
			return n, nil
		}
	}
	return net.IOCountersStat{}, fmt.Errorf("stats: nic %q not found", h.nic)
}

func (h *HostSampler) curDisk(ctx context.Context) (disk.IOCountersStat, error) {
	disks, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return disk.IOCountersStat{}, err
	}
	if h.disk != "" {
		d, ok := disks[h.disk]
		if !ok {
			return disk.IOCountersStat{}, fmt.Errorf("stats: disk %q not found", h.disk)
		}
		return d, nil
	}
	var sum disk.IOCountersStat
	for _, d := range disks {
		sum.ReadCount += d.ReadCount
		sum.WriteCount += d.WriteCount
		sum.ReadBytes += d.ReadBytes
		sum.WriteBytes += d.WriteBytes
	}
	return sum, nil
}

// Sample blocks for interval while measuring CPU use.
func (h *HostSampler) Sample(ctx context.Context, interval time.Duration) (string, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return "", err
	}
	curNet, err := h.curNet(ctx)
	if err != nil {
		return "", err
	}
	curDisk, err := h.curDisk(ctx)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cpuUse := 0.0
	if len(cpuPercent) > 0 {
		cpuUse = cpuPercent[0]
	}
	s := fmt.Sprintf("CPU : %.2f Bytes Sent : %d Bytes Received : %d Disk Writes : %d Disk Write Bytes : %d",
		cpuUse,
		curNet.BytesSent-h.netPrev.BytesSent,
		curNet.BytesRecv-h.netPrev.BytesRecv,
		curDisk.WriteCount-h.diskPrev.WriteCount,
		curDisk.WriteBytes-h.diskPrev.WriteBytes)
	h.netPrev = curNet
	h.diskPrev = curDisk
	h.last = s
	return s, nil
}

// Last is the most recent sample, for TimeseriesStats.SetExtra.
func (h *HostSampler) Last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Run samples every interval until ctx is done.
func (h *HostSampler) Run(ctx context.Context, interval time.Duration) {
	for ctx.Err() == nil {
		if _, err := h.Sample(ctx, interval); err != nil && ctx.Err() == nil {
			time.Sleep(interval)
		}
	}
}
