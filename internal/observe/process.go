package observe

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a snapshot of the bot's resource usage
type ProcessStats struct {
	PID            int32   `json:"pid"`
	Goroutines     int     `json:"goroutines"`
	RSSBytes       uint64  `json:"rss_bytes"`
	CPUPercent     float64 `json:"cpu_percent"`
	OpenFiles      int     `json:"open_files,omitempty"`
	SystemMemUsed  float64 `json:"system_memory_used_percent"`
	SystemMemAvail uint64  `json:"system_memory_available_bytes"`
}

// CollectProcessStats gathers what it can; unavailable fields stay zero
func CollectProcessStats() ProcessStats {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}

	if p, err := process.NewProcess(stats.PID); err == nil {
		if memInfo, err := p.MemoryInfo(); err == nil && memInfo != nil {
			stats.RSSBytes = memInfo.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
		if n, err := p.NumFDs(); err == nil {
			stats.OpenFiles = int(n)
		}
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		stats.SystemMemUsed = vmem.UsedPercent
		stats.SystemMemAvail = vmem.Available
	}
	return stats
}
