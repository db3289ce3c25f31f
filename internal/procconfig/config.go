// Package procconfig loads the runtime process's own configuration: root
// directory, log verbosity, resource budgets, and every background-loop
// interval internal/runtime.Config exposes. It is loaded once at process
// start with viper — distinct from internal/liveconfig, which manages
// the simulation's own hot-reloadable config trees at runtime rather
// than this process's bootstrap configuration.
package procconfig

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"
)

// Config is the runtime process's full bootstrap configuration.
type Config struct {
	Root      string `mapstructure:"root"`
	Verbosity string `mapstructure:"verbosity" validate:"oneof=debug info warn error"`

	Listen ListenConfig `mapstructure:"listen"`
	Log    LogConfig    `mapstructure:"log"`

	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	BuildCache BuildCacheConfig `mapstructure:"build_cache"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Module     ModuleConfig     `mapstructure:"module"`
	Loops      LoopsConfig      `mapstructure:"loops"`
}

// ListenConfig controls the command-channel and status-HTTP listeners.
type ListenConfig struct {
	CommandNetwork string `mapstructure:"command_network" validate:"oneof=unix tcp"`
	CommandAddress string `mapstructure:"command_address"`
	StatusAddress  string `mapstructure:"status_address"`
}

// LogConfig mirrors pkg/logger.Config's fields with mapstructure tags.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig mirrors scheduler.Budget.
type SchedulerConfig struct {
	Cores          int           `mapstructure:"cores" validate:"min=0"`
	MemoryGB       float64       `mapstructure:"memory_gb" validate:"min=0"`
	PerJobMemoryGB float64       `mapstructure:"per_job_memory_gb" validate:"min=0"`
	PerJobTimeout  time.Duration `mapstructure:"per_job_timeout"`
}

// BuildCacheConfig bounds the on-disk build cache.
type BuildCacheConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes" validate:"min=0"`
}

// TelemetryConfig bounds the telemetry ring buffer.
type TelemetryConfig struct {
	RingCapacity int `mapstructure:"ring_capacity" validate:"min=1"`
}

// CheckpointConfig bounds per-module checkpoint retention.
type CheckpointConfig struct {
	MaxPerModule int `mapstructure:"max_per_module" validate:"min=0"`
}

// ModuleConfig sets defaults applied when a loaded module's ABI doesn't
// report its own agent sizing.
type ModuleConfig struct {
	DefaultAgentSizeBytes int `mapstructure:"default_agent_size_bytes" validate:"min=1"`
	DefaultMaxAgents      int `mapstructure:"default_max_agents" validate:"min=1"`
}

// LoopsConfig sets every background loop's cadence.
type LoopsConfig struct {
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	MaintenanceBudget   time.Duration `mapstructure:"maintenance_budget"`
	IdleCompressAfter   time.Duration `mapstructure:"idle_compress_after"`
	PerfSampleInterval  time.Duration `mapstructure:"perf_sample_interval"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	QualityInterval     time.Duration `mapstructure:"quality_interval"`
}

// Load reads configFile (if non-empty) layered under defaults and
// HMRD_-prefixed environment variable overrides, then validates the
// result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("hmrd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		if _, statErr := os.Stat(configFile); statErr == nil {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Scheduler.Cores <= 0 {
		cfg.Scheduler.Cores = resolveCores()
	}
	return &cfg, nil
}

// resolveCores detects the real usable CPU core count for the scheduler's
// parallelism budget, respecting cgroup CPU quotas under a container
// runtime rather than reporting the host's full core count. Falls back to
// runtime.NumCPU() if no quota adjustment applies or detection fails.
func resolveCores() int {
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {})); err != nil {
		return runtime.NumCPU()
	}
	if cores := runtime.GOMAXPROCS(0); cores > 0 {
		return cores
	}
	return runtime.NumCPU()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", "./hmrd-data")
	v.SetDefault("verbosity", "info")

	v.SetDefault("listen.command_network", "unix")
	v.SetDefault("listen.command_address", "./hmrd-data/hmrd.sock")
	v.SetDefault("listen.status_address", "127.0.0.1:9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("scheduler.cores", 0)
	v.SetDefault("scheduler.memory_gb", 0)
	v.SetDefault("scheduler.per_job_memory_gb", 0)
	v.SetDefault("scheduler.per_job_timeout", "30s")

	v.SetDefault("build_cache.max_bytes", 2<<30) // 2 GiB
	v.SetDefault("telemetry.ring_capacity", 3600)
	v.SetDefault("checkpoint.max_per_module", 8)

	v.SetDefault("module.default_agent_size_bytes", 64)
	v.SetDefault("module.default_max_agents", 4096)

	v.SetDefault("loops.maintenance_interval", "2s")
	v.SetDefault("loops.maintenance_budget", "50ms")
	v.SetDefault("loops.idle_compress_after", "30s")
	v.SetDefault("loops.perf_sample_interval", "1s")
	v.SetDefault("loops.tick_interval", "16ms")
	v.SetDefault("loops.quality_interval", "5s")
}
