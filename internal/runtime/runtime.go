// Package runtime wires every core component into the single top-level
// object that owns the whole hot-swap runtime, the way cmd/server/main.go
// constructs a database pool, runs migrations, and wires handlers before
// ever starting to serve traffic — generalized here from one dependency
// chain into twelve components plus their driver collaborators.
package runtime

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgecore/hmrcore/internal/analyzer"
	"github.com/forgecore/hmrcore/internal/buildcache"
	"github.com/forgecore/hmrcore/internal/checkpoint"
	"github.com/forgecore/hmrcore/internal/drivers"
	"github.com/forgecore/hmrcore/internal/hashgraph"
	"github.com/forgecore/hmrcore/internal/hmrerrors"
	"github.com/forgecore/hmrcore/internal/liveconfig"
	"github.com/forgecore/hmrcore/internal/quality"
	"github.com/forgecore/hmrcore/internal/recovery"
	"github.com/forgecore/hmrcore/internal/registry"
	"github.com/forgecore/hmrcore/internal/scheduler"
	"github.com/forgecore/hmrcore/internal/state"
	"github.com/forgecore/hmrcore/internal/swap"
	"github.com/forgecore/hmrcore/internal/telemetry"
)

// Config wires a Runtime's collaborators, resource budgets, and
// background-loop intervals.
type Config struct {
	Root string

	Watcher      drivers.Watcher
	Compiler     drivers.CompilerDriver
	PerfCounters drivers.PerfCounters
	ImageLoader  drivers.ImageLoader
	ConfigParser liveconfig.Parser

	SchedulerBudget        scheduler.Budget
	BuildCacheMaxBytes     int64
	TelemetryCapacity      int
	CheckpointMaxPerModule int
	DefaultAgentSize       int
	DefaultMaxAgents       int

	MaintenanceInterval time.Duration
	MaintenanceBudget   time.Duration
	IdleCompressAfter   time.Duration
	PerfSampleInterval  time.Duration
	TickInterval        time.Duration
	QualityInterval     time.Duration

	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.DefaultAgentSize <= 0 {
		cfg.DefaultAgentSize = 64
	}
	if cfg.DefaultMaxAgents <= 0 {
		cfg.DefaultMaxAgents = 4096
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 2 * time.Second
	}
	if cfg.MaintenanceBudget <= 0 {
		cfg.MaintenanceBudget = 50 * time.Millisecond
	}
	if cfg.IdleCompressAfter <= 0 {
		cfg.IdleCompressAfter = 30 * time.Second
	}
	if cfg.PerfSampleInterval <= 0 {
		cfg.PerfSampleInterval = time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = 5 * time.Second
	}
}

// Runtime owns every core component and drives the background loops that
// connect them: a filesystem event enters the dependency graph, the
// scheduler drives compiles through the build cache, finished artifacts
// reach the swap coordinator, telemetry and the analyzer observe the
// effect, and the recovery engine reacts to anomalies — per the control
// flow in spec.md §2.
type Runtime struct {
	cfg Config

	graph       *hashgraph.Graph
	cache       *buildcache.Cache
	sched       *scheduler.Scheduler
	reg         *registry.Registry
	states      *state.Manager
	swapCoord   *swap.Coordinator
	checkpoints *checkpoint.Store
	agg         *telemetry.Aggregator
	analyzerC   *analyzer.Analyzer
	qualityOpt  *quality.Optimizer
	cfgMgr      *liveconfig.Manager

	watcher     drivers.Watcher
	compiler    drivers.CompilerDriver
	perf        drivers.PerfCounters
	imageLoader drivers.ImageLoader
	persistence drivers.PersistenceRoot

	mu         sync.Mutex
	modules    map[uint32]*moduleEntry
	recoveries map[uint32]*recovery.Engine

	isolatedMu sync.Mutex
	isolated   map[uint32]bool

	registerer prometheus.Registerer
	logger     *slog.Logger
}

// New constructs a Runtime and every component it owns. It does not start
// any background loop; call Run for that.
func New(cfg Config) (*Runtime, error) {
	cfg.applyDefaults()

	persistence := drivers.NewPersistenceRoot(cfg.Root)
	graph := hashgraph.New()

	cache, err := buildcache.New(buildcache.Config{
		IndexDBPath: filepath.Join(persistence.CacheDir(), "index.db"),
		MaxBytes:    cfg.BuildCacheMaxBytes,
		HashFile: func(path string) (string, error) {
			digest, err := graph.HashFile(path)
			if err != nil {
				return "", err
			}
			return digest.String(), nil
		},
		Logger:     cfg.Logger,
		Registerer: cfg.Registerer,
	})
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to open build cache", err)
	}

	reg := registry.New()
	states := state.New(state.Config{Logger: cfg.Logger})

	checkpoints, err := checkpoint.New(checkpoint.Config{
		Root:         persistence.CheckpointDir(),
		States:       states,
		MaxPerModule: cfg.CheckpointMaxPerModule,
		Logger:       cfg.Logger,
		Registerer:   cfg.Registerer,
	})
	if err != nil {
		return nil, hmrerrors.Wrap(hmrerrors.ErrInternal, "failed to open checkpoint store", err)
	}

	agg := telemetry.NewAggregator(cfg.TelemetryCapacity, cfg.Registerer)
	analyzerC := analyzer.New(analyzer.Config{Aggregator: agg, Logger: cfg.Logger})
	qualityOpt := quality.New(quality.Config{Analyzer: analyzerC, Initial: quality.TierUltra, Logger: cfg.Logger})
	cfgMgr := liveconfig.New(liveconfig.Config{Parser: cfg.ConfigParser, Logger: cfg.Logger})

	rt := &Runtime{
		cfg:         cfg,
		graph:       graph,
		cache:       cache,
		reg:         reg,
		states:      states,
		checkpoints: checkpoints,
		agg:         agg,
		analyzerC:   analyzerC,
		qualityOpt:  qualityOpt,
		cfgMgr:      cfgMgr,
		watcher:     cfg.Watcher,
		compiler:    cfg.Compiler,
		perf:        cfg.PerfCounters,
		imageLoader: cfg.ImageLoader,
		persistence: persistence,
		modules:     make(map[uint32]*moduleEntry),
		recoveries:  make(map[uint32]*recovery.Engine),
		isolated:    make(map[uint32]bool),
		registerer:  cfg.Registerer,
		logger:      cfg.Logger,
	}
	rt.sched = scheduler.New(cfg.SchedulerBudget, cfg.Logger)
	rt.swapCoord = swap.New(swap.Config{
		Registry:    reg,
		States:      states,
		Checkpoints: checkpoints,
		Loader:      &imageAdapter{loader: cfg.ImageLoader, versions: make(map[uint32]uint32)},
		Logger:      cfg.Logger,
	})

	return rt, nil
}

// Close releases every component's durable resources (cache index,
// checkpoint manifest, filesystem watcher).
func (rt *Runtime) Close() error {
	var errs []error
	if err := rt.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := rt.checkpoints.Close(); err != nil {
		errs = append(errs, err)
	}
	if rt.watcher != nil {
		if err := rt.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
