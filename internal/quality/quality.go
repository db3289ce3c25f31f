// Package quality implements C11: the quality-tier optimizer. It watches
// telemetry for sustained threshold breaches and adjusts a per-subsystem
// asset quality tier up or down, the same suggest-from-rolling-stats shape
// as the teacher's performance.CacheTuner, repurposed from cache-sizing
// knobs to render/asset quality tiers.
package quality

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgecore/hmrcore/internal/analyzer"
	"github.com/forgecore/hmrcore/internal/telemetry"
)

// Tier is a discrete asset quality level, ordered from lowest to highest.
type Tier int

const (
	TierMinimal Tier = iota
	TierLow
	TierMedium
	TierHigh
	TierUltra
)

func (t Tier) String() string {
	switch t {
	case TierMinimal:
		return "minimal"
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierUltra:
		return "ultra"
	default:
		return "unknown"
	}
}

func (t Tier) down() Tier {
	if t == TierMinimal {
		return TierMinimal
	}
	return t - 1
}

func (t Tier) up() Tier {
	if t == TierUltra {
		return TierUltra
	}
	return t + 1
}

// Thresholds configures when the optimizer adjusts tiers. Breach compares
// the bottleneck's normalized score (0-100+) against HighWaterMark to
// decide whether to drop a tier; Relief compares it against LowWaterMark
// to decide whether there is enough headroom to raise one.
type Thresholds struct {
	HighWaterMark float64 // drop a tier when the bottleneck score exceeds this
	LowWaterMark  float64 // raise a tier when the bottleneck score stays below this
}

// DefaultThresholds mirrors the 90%/20% utilization bands
// performance.CacheTuner.AnalyzeCachePerformance uses for its L1 sizing
// suggestions.
func DefaultThresholds() Thresholds {
	return Thresholds{HighWaterMark: 90, LowWaterMark: 20}
}

// Config configures an Optimizer.
type Config struct {
	Analyzer   *analyzer.Analyzer
	Thresholds Thresholds
	Initial    Tier
	Logger     *slog.Logger
}

// Optimizer tracks one quality tier per subsystem and adjusts it from
// analyzer bottleneck readings. It implements recovery.ScaleDowner so the
// recovery engine can drop a tier directly as a recovery strategy.
type Optimizer struct {
	mu         sync.Mutex
	analyzer   *analyzer.Analyzer
	thresholds Thresholds
	initial    Tier
	tiers      map[string]Tier
	logger     *slog.Logger
}

// New constructs an Optimizer.
func New(cfg Config) *Optimizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Optimizer{
		analyzer:   cfg.Analyzer,
		thresholds: cfg.Thresholds,
		initial:    cfg.Initial,
		tiers:      make(map[string]Tier),
		logger:     cfg.Logger,
	}
}

func (o *Optimizer) tierFor(subsystem string) Tier {
	t, ok := o.tiers[subsystem]
	if !ok {
		t = o.initial
		o.tiers[subsystem] = t
	}
	return t
}

// Tier returns the current quality tier for a subsystem.
func (o *Optimizer) Tier(subsystem string) Tier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tierFor(string(subsystem))
}

// ScaleDown drops the given subsystem's quality tier by one notch. It
// satisfies recovery.ScaleDowner.
func (o *Optimizer) ScaleDown(ctx context.Context, subsystem string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.tierFor(subsystem)
	next := cur.down()
	o.tiers[subsystem] = next
	if next != cur {
		o.logger.Info("quality tier dropped", "subsystem", subsystem, "from", cur, "to", next)
	}
	return nil
}

// raiseTier raises the given subsystem's quality tier by one notch, used
// internally once telemetry shows sustained headroom.
func (o *Optimizer) raiseTier(subsystem string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.tierFor(subsystem)
	next := cur.up()
	o.tiers[subsystem] = next
	if next != cur {
		o.logger.Info("quality tier raised", "subsystem", subsystem, "from", cur, "to", next)
	}
}

// Evaluate inspects the analyzer's current bottleneck and adjusts that
// subsystem's tier: down if its normalized score breaches HighWaterMark,
// up if it sits below LowWaterMark. It returns the subsystem evaluated and
// whether a tier change occurred; ok is false if there is no bottleneck
// yet (no telemetry samples recorded).
func (o *Optimizer) Evaluate() (subsystem telemetry.Subsystem, changed bool, ok bool) {
	b, found := o.analyzer.Bottleneck()
	if !found {
		return "", false, false
	}

	before := o.Tier(string(b.Subsystem))
	switch {
	case b.Score > o.thresholds.HighWaterMark:
		_ = o.ScaleDown(context.Background(), string(b.Subsystem))
	case b.Score < o.thresholds.LowWaterMark:
		o.raiseTier(string(b.Subsystem))
	}
	after := o.Tier(string(b.Subsystem))

	return b.Subsystem, before != after, true
}

// Run polls Evaluate on interval until ctx is cancelled, the same
// ticker-plus-ctx.Done shape as
// performance.CacheTuner.MonitorCacheHealth.
func (o *Optimizer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if subsystem, changed, ok := o.Evaluate(); ok && changed {
				o.logger.Info("quality optimizer adjusted tier", "subsystem", subsystem, "tier", o.Tier(string(subsystem)))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns a copy of every subsystem's current tier.
func (o *Optimizer) Snapshot() map[string]Tier {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Tier, len(o.tiers))
	for k, v := range o.tiers {
		out[k] = v
	}
	return out
}
