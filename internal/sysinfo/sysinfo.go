// Package sysinfo collects host CPU, memory, and disk usage from procfs
// for the gateway's monitor endpoint.
//
// Adapted from the donor's internal/sysinfo package: the same
// /proc/loadavg, /proc/meminfo, and syscall.Statfs readers, trimmed to
// the fields spec §6's GET /api/monitor actually names. The donor's
// Docker CLI polling (container list, per-container stats) is dropped —
// this gateway's single sandbox container's state and uptime come
// directly from internal/sandbox, which already holds a Docker SDK
// client, so shelling out to `docker` a second time here would be
// redundant.
package sysinfo

import (
	"bufio"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// CPU holds load averages and core count.
type CPU struct {
	LoadAvg1  float64 `json:"loadAvg1"`
	LoadAvg5  float64 `json:"loadAvg5"`
	LoadAvg15 float64 `json:"loadAvg15"`
	NumCPU    int     `json:"numCpu"`
}

// Memory holds system memory usage in bytes.
type Memory struct {
	TotalBytes     uint64  `json:"totalBytes"`
	UsedBytes      uint64  `json:"usedBytes"`
	AvailableBytes uint64  `json:"availableBytes"`
	UsedPercent    float64 `json:"usedPercent"`
}

// Disk holds filesystem usage for a single mount path.
type Disk struct {
	TotalBytes     uint64  `json:"totalBytes"`
	UsedBytes      uint64  `json:"usedBytes"`
	AvailableBytes uint64  `json:"availableBytes"`
	UsedPercent    float64 `json:"usedPercent"`
	MountPath      string  `json:"mountPath"`
}

// Snapshot is one point-in-time reading of CPU/memory/disk usage.
type Snapshot struct {
	CPU    CPU    `json:"cpu"`
	Memory Memory `json:"memory"`
	Disk   Disk   `json:"disk"`
}

// Collector reads procfs for usage snapshots. New sets MountPath to "/" for
// disk usage; set MountPath to override.
type Collector struct {
	MountPath string

	// readFile and statFS are overridden in tests to avoid depending on the
	// host's actual procfs layout.
	readFile func(path string) (string, error)
	statFS   func(path string) (*syscall.Statfs_t, error)
}

// New returns a Collector reading the real host procfs.
func New() *Collector {
	return &Collector{
		MountPath: "/",
		readFile:  readFile,
		statFS:    statFSImpl,
	}
}

// Collect gathers a fresh CPU/memory/disk snapshot. Each sub-reading is
// best-effort: a procfs read failure zeroes that section rather than
// failing the whole snapshot, since the monitor endpoint should degrade
// gracefully rather than 500 on one missing file.
func (c *Collector) Collect() Snapshot {
	cpu, _ := c.collectCPU()
	mem, _ := c.collectMemory()
	disk, _ := c.collectDisk()
	return Snapshot{CPU: cpu, Memory: mem, Disk: disk}
}

func (c *Collector) collectCPU() (CPU, error) {
	content, err := c.readFile("/proc/loadavg")
	if err != nil {
		return CPU{NumCPU: runtime.NumCPU()}, err
	}
	return parseLoadAvg(content), nil
}

func parseLoadAvg(content string) CPU {
	fields := strings.Fields(strings.TrimSpace(content))
	info := CPU{NumCPU: runtime.NumCPU()}
	if len(fields) >= 1 {
		info.LoadAvg1, _ = strconv.ParseFloat(fields[0], 64)
	}
	if len(fields) >= 2 {
		info.LoadAvg5, _ = strconv.ParseFloat(fields[1], 64)
	}
	if len(fields) >= 3 {
		info.LoadAvg15, _ = strconv.ParseFloat(fields[2], 64)
	}
	return info
}

func (c *Collector) collectMemory() (Memory, error) {
	content, err := c.readFile("/proc/meminfo")
	if err != nil {
		return Memory{}, err
	}
	return parseMemInfo(content), nil
}

func parseMemInfo(content string) Memory {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), " kB"))
		val, err := strconv.ParseUint(valStr, 10, 64)
		if err != nil {
			continue
		}
		fields[key] = val * 1024
	}

	total := fields["MemTotal"]
	available := fields["MemAvailable"]
	if available == 0 {
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}

	var used uint64
	if total > available {
		used = total - available
	}

	var usedPercent float64
	if total > 0 {
		usedPercent = float64(used) / float64(total) * 100
	}

	return Memory{TotalBytes: total, UsedBytes: used, AvailableBytes: available, UsedPercent: usedPercent}
}

func (c *Collector) collectDisk() (Disk, error) {
	stat, err := c.statFS(c.MountPath)
	if err != nil {
		return Disk{MountPath: c.MountPath}, err
	}

	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	used := total - (stat.Bfree * uint64(stat.Bsize))

	var usedPercent float64
	if total > 0 {
		usedPercent = float64(used) / float64(total) * 100
	}

	return Disk{TotalBytes: total, UsedBytes: used, AvailableBytes: available, UsedPercent: usedPercent, MountPath: c.MountPath}, nil
}
