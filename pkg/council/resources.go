package council

import (
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

// Resource gate defaults, sized for small single-board hosts running the
// local model next to the control plane.
const (
	DefaultMinFreeRAMGB         = 4.0
	DefaultTemperatureThreshold = 70.0
)

// ResourceMonitor gates local model inference on host resources. The RAM
// check is mandatory and blocks inference; the CPU temperature check is
// advisory and only logs. Temperature sensors may be absent entirely.
type ResourceMonitor struct {
	MinFreeRAMGB  float64
	TempThreshold float64

	availableRAM func() (uint64, error)
	cpuTemp      func() (float64, bool)
	log          *slog.Logger
}

// NewResourceMonitor creates a monitor backed by gopsutil.
func NewResourceMonitor() *ResourceMonitor {
	return &ResourceMonitor{
		MinFreeRAMGB:  DefaultMinFreeRAMGB,
		TempThreshold: DefaultTemperatureThreshold,
		availableRAM:  availableRAM,
		cpuTemp:       cpuTemperature,
		log:           slog.Default().With("component", "resources"),
	}
}

// WithProbes overrides the RAM and temperature probes for testing.
func (m *ResourceMonitor) WithProbes(ram func() (uint64, error), temp func() (float64, bool)) *ResourceMonitor {
	m.availableRAM = ram
	m.cpuTemp = temp
	return m
}

// FreeRAMGB returns the available RAM in gigabytes.
func (m *ResourceMonitor) FreeRAMGB() (float64, error) {
	avail, err := m.availableRAM()
	if err != nil {
		return 0, fmt.Errorf("read memory stats: %w", err)
	}
	return float64(avail) / (1 << 30), nil
}

// CheckBeforeInference reports whether the local model may load. A RAM
// reading below the minimum blocks with a reason; elevated CPU
// temperature is logged but never blocks.
func (m *ResourceMonitor) CheckBeforeInference() (bool, string) {
	free, err := m.FreeRAMGB()
	if err != nil {
		return false, fmt.Sprintf("memory check failed: %v", err)
	}
	if free < m.MinFreeRAMGB {
		return false, fmt.Sprintf("insufficient RAM: %.1fGB free, %.1fGB required", free, m.MinFreeRAMGB)
	}

	if temp, ok := m.cpuTemp(); ok && temp > m.TempThreshold {
		m.log.Warn("cpu temperature above threshold", "temp_c", temp, "threshold_c", m.TempThreshold)
	}

	return true, ""
}

func availableRAM() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// cpuTemperature returns the first plausible CPU temperature reading.
// Missing sensors are not an error; the check is advisory only.
func cpuTemperature() (float64, bool) {
	readings, err := sensors.SensorsTemperatures()
	if err != nil || len(readings) == 0 {
		return 0, false
	}
	for _, r := range readings {
		switch r.SensorKey {
		case "cpu_thermal", "coretemp", "cpu-thermal":
			return r.Temperature, true
		}
	}
	return readings[0].Temperature, true
}
