package window

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemInfo is the host summary shown on the dashboard. Platform and Arch
// use the names the UI expects ("win32", "x64").
type SystemInfo struct {
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	CPUs        int    `json:"cpus"`
	TotalMemory uint64 `json:"totalMemory"`
	FreeMemory  uint64 `json:"freeMemory"`
	Uptime      uint64 `json:"uptime"`
	Hostname    string `json:"hostname"`
}

// SystemSnapshot gathers SystemInfo. Fields gopsutil cannot read are
// filled from the Go runtime or left zero.
func SystemSnapshot(ctx context.Context) SystemInfo {
	info := SystemInfo{
		Platform: platformName(runtime.GOOS),
		Arch:     archName(runtime.GOARCH),
		CPUs:     runtime.NumCPU(),
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
		info.FreeMemory = vm.Available
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		info.Uptime = up
	}
	if hi, err := host.InfoWithContext(ctx); err == nil && hi.Hostname != "" {
		info.Hostname = hi.Hostname
	} else if hn, err := os.Hostname(); err == nil {
		info.Hostname = hn
	}
	return info
}

func platformName(goos string) string {
	if goos == "windows" {
		return "win32"
	}
	return goos
}

func archName(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	case "386":
		return "ia32"
	default:
		return goarch
	}
}
