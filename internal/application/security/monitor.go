package security

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoadSample is one snapshot of host utilization.
type LoadSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ResourceMonitor samples host CPU and memory utilization from /proc,
// caching the result between checks so admission never stalls on I/O.
type ResourceMonitor struct {
	cpuThreshold  float64
	memThreshold  float64
	checkInterval time.Duration

	// sample overrides /proc reads; tests inject deterministic load.
	sample func() LoadSample

	mu         sync.Mutex
	lastCheck  time.Time
	lastSample LoadSample
	overloaded bool
}

// NewResourceMonitor creates a monitor with the given thresholds in
// percent. Zero thresholds fall back to 80% CPU and 85% memory.
func NewResourceMonitor(cpuThreshold, memThreshold float64, checkInterval time.Duration) *ResourceMonitor {
	if cpuThreshold <= 0 {
		cpuThreshold = 80
	}
	if memThreshold <= 0 {
		memThreshold = 85
	}
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	m := &ResourceMonitor{
		cpuThreshold:  cpuThreshold,
		memThreshold:  memThreshold,
		checkInterval: checkInterval,
	}
	m.sample = m.procSample
	return m
}

// CheckOverload reports whether the host is over either threshold,
// re-sampling at most once per check interval.
func (m *ResourceMonitor) CheckOverload() (bool, LoadSample) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastCheck) < m.checkInterval {
		return m.overloaded, m.lastSample
	}
	m.lastCheck = now
	m.lastSample = m.sample()
	m.overloaded = m.lastSample.CPUPercent > m.cpuThreshold ||
		m.lastSample.MemoryPercent > m.memThreshold
	return m.overloaded, m.lastSample
}

// ThrottleDelay converts the current overload into a pause request for
// admitted starts: half a second base, growing with the overage and
// capped at five seconds.
func (m *ResourceMonitor) ThrottleDelay() time.Duration {
	overloaded, sample := m.CheckOverload()
	if !overloaded {
		return 0
	}
	cpuOver := sample.CPUPercent - m.cpuThreshold
	memOver := sample.MemoryPercent - m.memThreshold
	maxOver := cpuOver
	if memOver > maxOver {
		maxOver = memOver
	}
	if maxOver < 0 {
		maxOver = 0
	}
	seconds := 0.5 + (maxOver/20.0)*4.5
	if seconds > 5.0 {
		seconds = 5.0
	}
	return time.Duration(seconds * float64(time.Second))
}

// procSample reads utilization from /proc/stat and /proc/meminfo.
// Unreadable files yield zero, which never trips a threshold.
func (m *ResourceMonitor) procSample() LoadSample {
	return LoadSample{
		CPUPercent:    readCPUPercent(),
		MemoryPercent: readMemoryPercent(),
	}
}

func readCPUPercent() float64 {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var values [4]int64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return 0
		}
		values[i] = v
	}
	user, nice, system, idle := values[0], values[1], values[2], values[3]
	total := user + nice + system + idle
	if total == 0 {
		return 0
	}
	return float64(user+nice+system) / float64(total) * 100
}

func readMemoryPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	values := make(map[string]int64, 3)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch key := strings.TrimSuffix(fields[0], ":"); key {
		case "MemTotal", "MemFree", "MemAvailable":
			if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				values[key] = v
			}
		}
		if len(values) == 3 {
			break
		}
	}
	total := values["MemTotal"]
	if total == 0 {
		return 0
	}
	available, ok := values["MemAvailable"]
	if !ok {
		available = values["MemFree"]
	}
	return float64(total-available) / float64(total) * 100
}
