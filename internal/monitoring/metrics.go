package monitoring

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

type cpuStats struct {
	busy  uint64
	total uint64
}

// HostSampler reads host metrics from /proc. CPU usage is the share of busy
// time since the previous sample.
type HostSampler struct {
	procRoot string

	mu   sync.Mutex
	last *cpuStats
}

func NewHostSampler() *HostSampler {
	return &HostSampler{procRoot: "/proc"}
}

// SystemMetrics contains all host metrics
type SystemMetrics struct {
	CPUUsage    float64
	MemoryUsage uint64
	MemoryTotal uint64
	DiskUsage   uint64
	DiskTotal   uint64
}

// Collect samples CPU, memory and the disk holding workdir.
func (s *HostSampler) Collect(workdir string) SystemMetrics {
	memUsed, memTotal := s.MemoryUsage()
	diskUsed, diskTotal := DiskUsage(workdir)

	return SystemMetrics{
		CPUUsage:    s.CPUUsage(),
		MemoryUsage: memUsed,
		MemoryTotal: memTotal,
		DiskUsage:   diskUsed,
		DiskTotal:   diskTotal,
	}
}

// CPUUsage returns 0 on the first call.
func (s *HostSampler) CPUUsage() float64 {
	f, err := os.Open(s.procRoot + "/stat")
	if err != nil {
		return 0
	}
	defer f.Close()
	stats := parseCPUStats(f)
	if stats == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.last
	s.last = stats
	if last == nil || stats.total <= last.total {
		return 0
	}
	return float64(stats.busy-last.busy) / float64(stats.total-last.total) * 100.0
}

// parseCPUStats reads the aggregate "cpu" line: user nice system idle iowait.
func parseCPUStats(r io.Reader) *cpuStats {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || fields[0] != "cpu" {
			continue
		}
		var v [5]uint64
		for i := range v {
			v[i], _ = strconv.ParseUint(fields[i+1], 10, 64)
		}
		busy := v[0] + v[1] + v[2]
		return &cpuStats{busy: busy, total: busy + v[3] + v[4]}
	}
	return nil
}

// MemoryUsage returns used and total memory in bytes.
func (s *HostSampler) MemoryUsage() (uint64, uint64) {
	f, err := os.Open(s.procRoot + "/meminfo")
	if err != nil {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc, 0
	}
	defer f.Close()
	return parseMemInfo(f)
}

func parseMemInfo(r io.Reader) (used, total uint64) {
	var available uint64
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	if total > 0 && available > 0 && available <= total {
		return total - available, total
	}
	return 0, total
}

// DiskUsage returns used and total bytes of the filesystem holding path.
func DiskUsage(path string) (uint64, uint64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	return total - free, total
}

// FormatBytes converts bytes to human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
