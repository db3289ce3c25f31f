package drivers

// PerfSample is one reading from the OS performance counters driver. §6:
// "sample() -> {cpu%, gpu%, memory bytes, temperature, ...}". Optional;
// absent values are treated as zero by callers.
type PerfSample struct {
	CPUPercent   float64
	GPUPercent   float64
	MemoryBytes  uint64
	TemperatureC float64
}

// PerfCounters samples OS/hardware performance counters. It is optional:
// a nil PerfCounters means no samples are ever produced, and callers
// treat the telemetry aggregator's corresponding subsystems as idle.
type PerfCounters interface {
	Sample() (PerfSample, error)
}
