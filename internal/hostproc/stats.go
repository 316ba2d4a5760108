// Package hostproc reports resource usage of the spawned native host.
package hostproc

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats describes a running process.
type Stats struct {
	Pid        int       `json:"pid"`
	Name       string    `json:"name,omitempty"`
	RSSBytes   uint64    `json:"rssBytes"`
	CPUPercent float64   `json:"cpuPercent"`
	Threads    int32     `json:"threads,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

// Lookup collects Stats for pid.
func Lookup(ctx context.Context, pid int) (Stats, error) {
	if pid <= 0 {
		return Stats{}, fmt.Errorf("hostproc: invalid pid %d", pid)
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Stats{}, fmt.Errorf("hostproc: %w", err)
	}
	st := Stats{Pid: pid}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("hostproc: memory: %w", err)
	}
	st.RSSBytes = mem.RSS
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		st.StartedAt = time.UnixMilli(ms).UTC()
	}
	// best effort; not every platform exposes these
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.Threads = n
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		st.Name = name
	}
	return st, nil
}
