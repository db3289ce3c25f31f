package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Subsystem names the five measured dimensions spec.md §4.6 names for
// the bottleneck computation.
type Subsystem string

const (
	CPU              Subsystem = "cpu"
	GPU              Subsystem = "gpu"
	MemoryPressure   Subsystem = "memory_pressure"
	IOLatency        Subsystem = "io_latency"
	CacheMiss        Subsystem = "cache_miss"
)

// Stats is a point-in-time read of one subsystem's rolling statistics.
type Stats struct {
	Mean   float64
	StdDev float64
	Count  int
}

// gauges groups the three prometheus gauges kept per subsystem.
type gauges struct {
	mean   prometheus.Gauge
	stddev prometheus.Gauge
	count  prometheus.Gauge
}

// Aggregator owns one RingBuffer per subsystem and mirrors its rolling
// statistics into prometheus gauges, following the teacher's
// namespace/subsystem-labeled registration style in pkg/metrics.
type Aggregator struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[Subsystem]*RingBuffer
	gauges   map[Subsystem]*gauges
	registry prometheus.Registerer
}

// NewAggregator constructs an Aggregator whose buffers have the given
// capacity (defaultCapacity if <= 0).
func NewAggregator(capacity int, reg prometheus.Registerer) *Aggregator {
	return &Aggregator{
		capacity: capacity,
		buffers:  make(map[Subsystem]*RingBuffer),
		gauges:   make(map[Subsystem]*gauges),
		registry: reg,
	}
}

func (a *Aggregator) bufferFor(s Subsystem) *RingBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf, ok := a.buffers[s]; ok {
		return buf
	}
	buf := NewRingBuffer(a.capacity)
	a.buffers[s] = buf

	f := promauto.With(a.registry)
	a.gauges[s] = &gauges{
		mean: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hmr", Subsystem: "telemetry", Name: string(s) + "_mean",
		}),
		stddev: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hmr", Subsystem: "telemetry", Name: string(s) + "_stddev",
		}),
		count: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hmr", Subsystem: "telemetry", Name: string(s) + "_sample_count",
		}),
	}
	return buf
}

// Record appends one sample for subsystem s and refreshes its gauges.
func (a *Aggregator) Record(s Subsystem, value float64) {
	buf := a.bufferFor(s)
	buf.Push(value)

	a.mu.RLock()
	g := a.gauges[s]
	a.mu.RUnlock()
	g.mean.Set(buf.Mean())
	g.stddev.Set(buf.StdDev())
	g.count.Set(float64(buf.Count()))
}

// Stats returns subsystem s's current rolling statistics.
func (a *Aggregator) Stats(s Subsystem) Stats {
	buf := a.bufferFor(s)
	return Stats{Mean: buf.Mean(), StdDev: buf.StdDev(), Count: buf.Count()}
}

// Buffer exposes the underlying ring buffer for subsystem s, for the
// analyzer's windowed regression comparison.
func (a *Aggregator) Buffer(s Subsystem) *RingBuffer {
	return a.bufferFor(s)
}

// Snapshot returns every tracked subsystem's current statistics.
func (a *Aggregator) Snapshot() map[Subsystem]Stats {
	a.mu.RLock()
	subsystems := make([]Subsystem, 0, len(a.buffers))
	for s := range a.buffers {
		subsystems = append(subsystems, s)
	}
	a.mu.RUnlock()

	out := make(map[Subsystem]Stats, len(subsystems))
	for _, s := range subsystems {
		out[s] = a.Stats(s)
	}
	return out
}
