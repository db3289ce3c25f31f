package runtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgecore/hmrcore/internal/drivers"
	"github.com/forgecore/hmrcore/internal/hmrerrors"
	"github.com/forgecore/hmrcore/internal/recovery"
	"github.com/forgecore/hmrcore/internal/telemetry"
)

// Run starts every background loop — the filesystem watch loop, the
// frame-budgeted maintenance loop, the performance-counter sampling loop,
// the per-module tick loop, and the quality optimizer — and blocks until
// ctx is cancelled, per spec.md §5's description of one maintenance
// thread and one wake-on-interval thread per telemetry/analytics/
// prediction concern.
func (rt *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	loops := []func(context.Context){
		rt.watchLoop,
		rt.maintenanceLoop,
		rt.perfSampleLoop,
		rt.tickLoop,
		func(ctx context.Context) { rt.qualityOpt.Run(ctx, rt.cfg.QualityInterval) },
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(l func(context.Context)) {
			defer wg.Done()
			l(ctx)
		}(loop)
	}

	wg.Wait()
	return nil
}

// watchLoop drains filesystem events into the dependency graph and
// triggers rebuilds, and invalidates cache entries for deleted sources.
func (rt *Runtime) watchLoop(ctx context.Context) {
	if rt.watcher == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-rt.watcher.Events():
			if !ok {
				return
			}
			rt.handleFileEvent(ctx, evt)
		case err, ok := <-rt.watcher.Errors():
			if !ok {
				continue
			}
			rt.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (rt *Runtime) handleFileEvent(ctx context.Context, evt drivers.FileEvent) {
	switch evt.Kind {
	case drivers.EventDeleted:
		rt.cache.Invalidate(evt.Path)
	case drivers.EventCreated, drivers.EventModified, drivers.EventRenamed:
		if err := rt.Build(ctx, evt.Path); err != nil {
			rt.logger.Warn("rebuild after file event failed", "path", evt.Path, "kind", evt.Kind, "error", err)
		}
	}
}

// maintenanceLoop wakes on MaintenanceInterval and spends up to
// MaintenanceBudget compressing idle state chunks and validating module
// state, stopping early once the budget is spent rather than guaranteeing
// full coverage every tick.
func (rt *Runtime) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.performMaintenance(ctx, rt.cfg.MaintenanceBudget)
		}
	}
}

func (rt *Runtime) performMaintenance(ctx context.Context, budget time.Duration) {
	mods := rt.reg.All()
	if len(mods) == 0 {
		return
	}

	// Spread this tick's work evenly across the budget instead of racing
	// through the first N modules and starving the rest: the limiter
	// admits roughly one module's maintenance pass per budget/len(mods)
	// slice, so a long module list degrades to partial coverage smoothly
	// rather than always favoring registry order.
	limiter := rate.NewLimiter(rate.Limit(float64(len(mods))/budget.Seconds()), 1)
	paceCtx, cancel := context.WithDeadline(ctx, time.Now().Add(budget))
	defer cancel()

	for _, mod := range mods {
		if err := limiter.Wait(paceCtx); err != nil {
			return
		}
		if _, err := rt.states.CompressIdleChunks(mod.ID, rt.cfg.IdleCompressAfter); err != nil {
			rt.logger.Warn("idle chunk compression failed", "module", mod.ID, "error", err)
		}

		report, err := rt.states.ValidateModule(mod.ID)
		if err != nil {
			rt.logger.Warn("state validation failed", "module", mod.ID, "error", err)
			continue
		}
		if !report.Valid {
			rt.reportAnomaly(ctx, mod.ID, recovery.Report{
				Subsystem: mod.Name,
				Category:  recovery.CategoryMemory,
				Severity:  hmrerrors.SeverityCritical,
				Message:   "state validation reported a corrupted chunk",
				At:        time.Now(),
			})
		}
	}
}

// perfSampleLoop wakes on PerfSampleInterval, samples the optional OS
// performance counters driver, and feeds CPU/GPU readings into the
// telemetry aggregator.
func (rt *Runtime) perfSampleLoop(ctx context.Context) {
	if rt.perf == nil {
		return
	}
	ticker := time.NewTicker(rt.cfg.PerfSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := rt.perf.Sample()
			if err != nil {
				rt.logger.Warn("perf counter sample failed", "error", err)
				continue
			}
			rt.agg.Record(telemetry.CPU, sample.CPUPercent)
			rt.agg.Record(telemetry.GPU, sample.GPUPercent)
		}
	}
}

// tickLoop invokes every loaded, non-isolated module's Tick hook at
// TickInterval, routing any error into that module's own recovery engine.
func (rt *Runtime) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.TickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			deltaNS := now.Sub(last).Nanoseconds()
			last = now
			rt.tickModules(ctx, deltaNS)
		}
	}
}

func (rt *Runtime) tickModules(ctx context.Context, deltaNS int64) {
	rt.mu.Lock()
	entries := make(map[uint32]*moduleEntry, len(rt.modules))
	for id, entry := range rt.modules {
		entries[id] = entry
	}
	rt.mu.Unlock()

	for id, entry := range entries {
		rt.isolatedMu.Lock()
		isolated := rt.isolated[id]
		rt.isolatedMu.Unlock()
		if isolated || entry.abi.Tick == nil {
			continue
		}
		if err := entry.abi.Tick(deltaNS); err != nil {
			mod, lookupErr := rt.reg.Get(id)
			subsystem := "unknown"
			if lookupErr == nil {
				subsystem = mod.Name
			}
			rt.reportAnomaly(ctx, id, recovery.Report{
				Subsystem: subsystem,
				Category:  recovery.CategoryRuntime,
				Severity:  hmrerrors.SeverityError,
				Message:   "module tick failed: " + err.Error(),
				At:        time.Now(),
			})
		}
	}
}

// reportAnomaly routes a recovery report to the module's own recovery
// engine, if one exists. The retry function simply re-invokes Tick with a
// zero delta; strategies that do not need a retry ignore it.
func (rt *Runtime) reportAnomaly(ctx context.Context, moduleID uint32, report recovery.Report) {
	rt.mu.Lock()
	engine, ok := rt.recoveries[moduleID]
	entry := rt.modules[moduleID]
	rt.mu.Unlock()
	if !ok {
		return
	}

	retry := func(ctx context.Context) error {
		if entry == nil || entry.abi.Tick == nil {
			return nil
		}
		return entry.abi.Tick(0)
	}

	if _, err := engine.Handle(ctx, report, retry); err != nil {
		rt.logger.Error("recovery engine could not handle report", "module", moduleID, "error", err)
	}
}
