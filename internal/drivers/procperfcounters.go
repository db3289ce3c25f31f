package drivers

import (
	"os"
	"strconv"
	"strings"
)

// ProcPerfCounters is the default PerfCounters: it reads the one-minute
// load average from /proc/loadavg as a coarse CPU utilization proxy.
// GPU and memory fields are left zero; PerfSample's contract treats
// absent values as zero, and no library in the retrieved corpus reads
// hardware/OS performance counters (the pack's metrics stack is all
// Prometheus client-side instrumentation of the process itself, not a
// sampler of external hardware state), so this is stdlib by necessity.
type ProcPerfCounters struct{}

func (ProcPerfCounters) Sample() (PerfSample, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return PerfSample{}, err
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return PerfSample{}, nil
	}

	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return PerfSample{}, err
	}
	return PerfSample{CPUPercent: load1 * 100}, nil
}
