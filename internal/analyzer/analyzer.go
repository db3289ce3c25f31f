// Package analyzer implements C9: bottleneck identification and
// regression detection over the telemetry aggregator's rolling
// statistics. The analyzer never mutates runtime state; it only reports
// to the recovery engine and emits events, mirroring the threshold-driven
// suggestion loop of pkg/history/performance.CacheTuner.
package analyzer

import (
	"log/slog"

	"github.com/forgecore/hmrcore/internal/telemetry"
)

// defaultRegressionThreshold is the "recent exceeds baseline by more than
// 10%" default from spec.md §4.6.
const defaultRegressionThreshold = 0.10

// Bottleneck reports which subsystem is the dominant constraint, after
// normalizing every tracked dimension onto a comparable percentage scale.
type Bottleneck struct {
	Subsystem telemetry.Subsystem
	Score     float64 // normalized percentage, 0-100+
}

// Regression reports a detected sustained degradation in one subsystem.
type Regression struct {
	Subsystem    telemetry.Subsystem
	RecentMean   float64
	BaselineMean float64
	Threshold    float64
}

// EventHandler is invoked when the analyzer detects a regression, so the
// recovery engine (or any other listener) can react.
type EventHandler func(Regression)

// Config configures an Analyzer.
type Config struct {
	Aggregator          *telemetry.Aggregator
	RegressionThreshold float64 // fraction, e.g. 0.10 for 10%; 0 uses the default
	WindowSize          int     // samples per window; 0 uses 100
	OnRegression        EventHandler
	Logger              *slog.Logger
}

// Analyzer computes bottleneck and regression reports from a telemetry
// Aggregator's rolling statistics. It holds no mutable state of its own
// beyond configuration, so every call reads a fresh snapshot.
type Analyzer struct {
	agg          *telemetry.Aggregator
	threshold    float64
	windowSize   int
	onRegression EventHandler
	logger       *slog.Logger
}

// New constructs an Analyzer.
func New(cfg Config) *Analyzer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RegressionThreshold <= 0 {
		cfg.RegressionThreshold = defaultRegressionThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	return &Analyzer{
		agg:          cfg.Aggregator,
		threshold:    cfg.RegressionThreshold,
		windowSize:   cfg.WindowSize,
		onRegression: cfg.OnRegression,
		logger:       cfg.Logger,
	}
}

// normalize maps a subsystem's raw rolling mean onto a comparable
// percentage scale. cpu/gpu/memory_pressure/cache_miss are already
// expressed as percentages by the producers that feed the aggregator;
// io_latency is milliseconds, divided by 10 per spec.md §4.6's
// "IO latency ms ÷ 10 ≈ %" approximation.
func normalize(s telemetry.Subsystem, mean float64) float64 {
	if s == telemetry.IOLatency {
		return mean / 10
	}
	return mean
}

// Bottleneck returns the subsystem with the highest normalized load
// across the five dimensions spec.md §4.6 names. ok is false if none of
// them have recorded any samples yet.
func (a *Analyzer) Bottleneck() (Bottleneck, bool) {
	subsystems := []telemetry.Subsystem{
		telemetry.CPU, telemetry.GPU, telemetry.MemoryPressure,
		telemetry.IOLatency, telemetry.CacheMiss,
	}

	best := Bottleneck{}
	found := false
	for _, s := range subsystems {
		stats := a.agg.Stats(s)
		if stats.Count == 0 {
			continue
		}
		score := normalize(s, stats.Mean)
		if !found || score > best.Score {
			best = Bottleneck{Subsystem: s, Score: score}
			found = true
		}
	}
	return best, found
}

// DetectRegression compares a trailing window of recent samples against
// the window immediately preceding it ("baseline") for one subsystem,
// reporting a regression when recent exceeds baseline by more than the
// configured threshold. ok is false when there aren't yet two full
// windows of history.
func (a *Analyzer) DetectRegression(s telemetry.Subsystem) (Regression, bool) {
	recent, baseline, ok := a.agg.Buffer(s).Window(a.windowSize)
	if !ok {
		return Regression{}, false
	}
	if baseline <= 0 {
		return Regression{}, false
	}
	if recent <= baseline*(1+a.threshold) {
		return Regression{}, false
	}

	reg := Regression{Subsystem: s, RecentMean: recent, BaselineMean: baseline, Threshold: a.threshold}
	if a.onRegression != nil {
		a.onRegression(reg)
	}
	a.logger.Warn("performance regression detected",
		"subsystem", s, "recent_mean", recent, "baseline_mean", baseline, "threshold", a.threshold)
	return reg, true
}

// DetectAllRegressions runs DetectRegression over each subsystem in
// subsystems and returns the regressions it reports.
func (a *Analyzer) DetectAllRegressions(subsystems []telemetry.Subsystem) []Regression {
	var out []Regression
	for _, s := range subsystems {
		if reg, ok := a.DetectRegression(s); ok {
			out = append(out, reg)
		}
	}
	return out
}
