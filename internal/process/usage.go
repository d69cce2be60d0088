package process

import (
	"context"
	"fmt"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of a running child.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Threads    int32     `json:"threads"`
	CreatedAt  time.Time `json:"created_at"`
}

// SampleUsage reads CPU and memory figures for pid from the OS. Fields the
// platform cannot report are left zero.
func SampleUsage(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	u := Usage{PID: pid}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = pct
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		u.RSSBytes = mi.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		u.CreatedAt = time.UnixMilli(ms)
	}
	return u, nil
}
