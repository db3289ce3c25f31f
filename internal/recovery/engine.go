package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgecore/hmrcore/internal/core/resilience"
	"github.com/forgecore/hmrcore/internal/hmrerrors"
)

// FallbackActivator switches a module onto a degraded, known-safe code
// path.
type FallbackActivator interface {
	ActivateFallback(ctx context.Context, subsystem string) error
}

// Rollbacker restores the most recent checkpoint for a module.
type Rollbacker interface {
	Rollback(ctx context.Context, moduleID uint32) error
}

// Isolator removes a module from the live call path without restarting
// the process, e.g. by marking it unloaded.
type Isolator interface {
	Isolate(ctx context.Context, moduleID uint32) error
}

// Restarter restarts a module's runtime state from scratch.
type Restarter interface {
	Restart(ctx context.Context, moduleID uint32) error
}

// ScaleDowner reduces a subsystem's quality tier or load to relieve
// pressure, handing off to the quality-tier optimizer.
type ScaleDowner interface {
	ScaleDown(ctx context.Context, subsystem string) error
}

// Collaborators bundles the engine's external actions. Any of these may be
// nil; Handle returns hmrerrors.ErrRecoveryUnavailable if the strategy it
// selected has no collaborator wired for it.
type Collaborators struct {
	Fallback  FallbackActivator
	Rollback  Rollbacker
	Isolate   Isolator
	Restart   Restarter
	ScaleDown ScaleDowner
}

// Config configures an Engine.
type Config struct {
	Collaborators Collaborators

	// ModuleID is used by strategies that act on a specific module
	// (rollback, isolate, restart) rather than a subsystem.
	ModuleID uint32

	HistoryCapacity     int
	ConfidenceThreshold float64 // model override threshold, 0..1; 0 uses 0.75
	LearningRate        float64
	AccuracyEMAAlpha    float64

	RetryPolicy *resilience.RetryPolicy // nil uses resilience.DefaultRetryPolicy()

	BreakerWindow   time.Duration
	BreakerMaxTrips int

	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Engine implements the error-report-to-recovery-action pipeline: record,
// extract features, score with the model, select a strategy (rule table,
// escalated by the model past the confidence threshold), execute it, and
// update the model from the observed outcome.
type Engine struct {
	mu            sync.Mutex
	history       *historyBuffer
	model         *Model
	confidence    float64
	retryPolicy   *resilience.RetryPolicy
	moduleID      uint32
	collaborators Collaborators
	breakers      *breakerSet
	metrics       *metrics
	logger        *slog.Logger
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.75
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = resilience.DefaultRetryPolicy()
	}
	if cfg.RetryPolicy.ErrorChecker == nil {
		// Module Tick hooks can surface plain transport-style failures
		// (a driver backed by a socket or pipe). The default checker
		// still retries any error it does not recognise; it declines
		// only errors wrapping resilience.ErrNonRetryable and errors
		// whose Temporary() reports false.
		cfg.RetryPolicy.ErrorChecker = &resilience.DefaultErrorChecker{}
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 30 * time.Second
	}
	if cfg.BreakerMaxTrips <= 0 {
		cfg.BreakerMaxTrips = 3
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	return &Engine{
		history:       newHistoryBuffer(cfg.HistoryCapacity),
		model:         NewModel(cfg.LearningRate, cfg.AccuracyEMAAlpha),
		confidence:    cfg.ConfidenceThreshold,
		retryPolicy:   cfg.RetryPolicy,
		moduleID:      cfg.ModuleID,
		collaborators: cfg.Collaborators,
		breakers:      newBreakerSet(cfg.BreakerWindow, cfg.BreakerMaxTrips),
		metrics:       newMetrics(cfg.Registerer),
		logger:        cfg.Logger,
	}
}

// Outcome reports what happened after Handle executed a strategy, so
// callers can feed Handle's chosen strategy result back as ground truth.
type Outcome struct {
	Strategy Strategy
	Report   Report
	Err      error
}

// Handle runs the full recovery pipeline for one report: records it into
// history, extracts a feature vector, scores it with the model, selects
// (and possibly escalates) a strategy, executes it via the wired
// collaborator, updates the model from the result, and returns the
// strategy actually taken.
//
// retryFunc is used only when the selected strategy is StrategyRetry; it
// is the operation recovery is retrying on the caller's behalf.
func (e *Engine) Handle(ctx context.Context, r Report, retryFunc func(ctx context.Context) error) (Strategy, error) {
	if e.breakers.isOpen(r.Subsystem) {
		return "", hmrerrors.ErrCircuitOpen
	}

	e.mu.Lock()
	e.history.push(r)
	p := e.model.Predict(r)
	strategy := decideStrategy(r, p, e.confidence)
	e.mu.Unlock()

	e.logger.Info("recovery strategy selected",
		"subsystem", r.Subsystem, "severity", r.Severity, "category", r.Category,
		"model_probability", p, "strategy", strategy)

	err := e.execute(ctx, strategy, r, retryFunc)

	label := 0.0
	outcome := "success"
	if err != nil {
		label = 1.0
		outcome = "failure"
		wasOpen := e.breakers.isOpen(r.Subsystem)
		e.breakers.recordFailure(r.Subsystem)
		if !wasOpen && e.breakers.isOpen(r.Subsystem) {
			e.metrics.breakerTrips.WithLabelValues(r.Subsystem).Inc()
		}
	} else {
		e.breakers.recordSuccess(r.Subsystem)
	}
	e.metrics.strategiesTotal.WithLabelValues(string(strategy), outcome).Inc()

	e.mu.Lock()
	e.model.Update(r, label)
	e.metrics.modelAccuracy.Set(e.model.Accuracy())
	e.mu.Unlock()

	return strategy, err
}

func (e *Engine) execute(ctx context.Context, s Strategy, r Report, retryFunc func(ctx context.Context) error) error {
	switch s {
	case StrategyRetry:
		if retryFunc == nil {
			return hmrerrors.ErrRecoveryUnavailable
		}
		return resilience.WithRetry(ctx, e.retryPolicy, func() error { return retryFunc(ctx) })
	case StrategyFallback:
		if e.collaborators.Fallback == nil {
			return hmrerrors.ErrRecoveryUnavailable
		}
		return e.collaborators.Fallback.ActivateFallback(ctx, r.Subsystem)
	case StrategyRollback:
		if e.collaborators.Rollback == nil {
			return hmrerrors.ErrRecoveryUnavailable
		}
		return e.collaborators.Rollback.Rollback(ctx, e.moduleID)
	case StrategyIsolate:
		if e.collaborators.Isolate == nil {
			return hmrerrors.ErrRecoveryUnavailable
		}
		return e.collaborators.Isolate.Isolate(ctx, e.moduleID)
	case StrategyRestart:
		if e.collaborators.Restart == nil {
			return hmrerrors.ErrRecoveryUnavailable
		}
		return e.collaborators.Restart.Restart(ctx, e.moduleID)
	case StrategyScaleDown:
		if e.collaborators.ScaleDown == nil {
			return hmrerrors.ErrRecoveryUnavailable
		}
		return e.collaborators.ScaleDown.ScaleDown(ctx, r.Subsystem)
	default:
		return hmrerrors.ErrRecoveryUnavailable
	}
}

// Accuracy returns the model's current exponential-moving-average
// prediction accuracy.
func (e *Engine) Accuracy() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.Accuracy()
}

// RecentFailures counts reports for a subsystem within the last window,
// used by callers deciding whether to preemptively back off before the
// breaker itself trips.
func (e *Engine) RecentFailures(subsystem string, window time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.countInWindow(subsystem, time.Now().Add(-window))
}
