package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/forgecore/hmrcore/internal/cli"
	"github.com/forgecore/hmrcore/internal/drivers"
	"github.com/forgecore/hmrcore/internal/procconfig"
	"github.com/forgecore/hmrcore/internal/runtime"
	"github.com/forgecore/hmrcore/internal/scheduler"
	"github.com/forgecore/hmrcore/internal/statushttp"
	"github.com/forgecore/hmrcore/pkg/logger"
)

var flagCompilerCommand string

// serveCmd starts the daemon: it loads configuration, wires every
// driver, constructs the runtime, and serves the command channel and
// the status HTTP surface until it receives SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runtime daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagCompilerCommand, "compiler-command", "shaderc", "External compile command invoked as <command> <source> <output> [flags...]")
}

func runServe(cmd *cobra.Command, args []string) error {
	pcfg, err := procconfig.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if flagRoot != "" {
		pcfg.Root = flagRoot
	}
	if flagVerbosity != "" {
		pcfg.Log.Level = flagVerbosity
	}

	log := logger.NewLogger(logger.Config{
		Level:      pcfg.Log.Level,
		Format:     pcfg.Log.Format,
		Output:     pcfg.Log.Output,
		Filename:   pcfg.Log.Filename,
		MaxSize:    pcfg.Log.MaxSize,
		MaxBackups: pcfg.Log.MaxBackups,
		MaxAge:     pcfg.Log.MaxAge,
		Compress:   pcfg.Log.Compress,
	})

	if err := os.MkdirAll(pcfg.Root, 0o755); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	watcher, err := drivers.NewFSWatcher(pcfg.Root)
	if err != nil {
		return fmt.Errorf("failed to start filesystem watcher: %w", err)
	}

	registerer := prometheus.NewRegistry()

	rt, err := runtime.New(runtime.Config{
		Root:         pcfg.Root,
		Watcher:      watcher,
		Compiler:     drivers.ExecCompiler{Command: flagCompilerCommand},
		PerfCounters: drivers.ProcPerfCounters{},
		ImageLoader:  drivers.NewPluginImageLoader(),
		ConfigParser: drivers.JSONConfigParser{},

		SchedulerBudget: scheduleBudget(pcfg),

		BuildCacheMaxBytes:     pcfg.BuildCache.MaxBytes,
		TelemetryCapacity:      pcfg.Telemetry.RingCapacity,
		CheckpointMaxPerModule: pcfg.Checkpoint.MaxPerModule,
		DefaultAgentSize:       pcfg.Module.DefaultAgentSizeBytes,
		DefaultMaxAgents:       pcfg.Module.DefaultMaxAgents,

		MaintenanceInterval: pcfg.Loops.MaintenanceInterval,
		MaintenanceBudget:   pcfg.Loops.MaintenanceBudget,
		IdleCompressAfter:   pcfg.Loops.IdleCompressAfter,
		PerfSampleInterval:  pcfg.Loops.PerfSampleInterval,
		TickInterval:        pcfg.Loops.TickInterval,
		QualityInterval:     pcfg.Loops.QualityInterval,

		Registerer: registerer,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to construct runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("runtime background loops exited", "error", err)
		}
	}()

	cmdListener, err := listen(pcfg.Listen.CommandNetwork, pcfg.Listen.CommandAddress)
	if err != nil {
		return fmt.Errorf("failed to bind command channel listener: %w", err)
	}
	dispatcher := cli.New(rt, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveCommandChannel(ctx, cmdListener, dispatcher, log)
	}()

	router := statushttp.NewRouter(statushttp.Config{Provider: rt, Registerer: registerer, Logger: log})
	httpServer := &http.Server{
		Addr:    pcfg.Listen.StatusAddress,
		Handler: logger.LoggingMiddleware(log)(router),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("status server listening", "address", pcfg.Listen.StatusAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()
	_ = cmdListener.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	wg.Wait()

	if err := rt.Close(); err != nil {
		log.Error("failed to close runtime", "error", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func scheduleBudget(pcfg *procconfig.Config) scheduler.Budget {
	return scheduler.Budget{
		Cores:          pcfg.Scheduler.Cores,
		MemoryGB:       pcfg.Scheduler.MemoryGB,
		PerJobMemoryGB: pcfg.Scheduler.PerJobMemoryGB,
		PerJobTimeout:  pcfg.Scheduler.PerJobTimeout,
	}
}

// listen opens the command-channel listener: a unix domain socket by
// default (creating its parent directory and removing any stale socket
// file first), or tcp when configured.
func listen(network, address string) (net.Listener, error) {
	switch network {
	case "tcp":
		return net.Listen("tcp", address)
	case "unix", "":
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return nil, err
		}
		_ = os.Remove(address)
		return net.Listen("unix", address)
	default:
		return nil, fmt.Errorf("unsupported command listener network %q", network)
	}
}

// serveCommandChannel accepts connections on l, serving one
// cli.Dispatcher conversation per connection until ctx is cancelled.
func serveCommandChannel(ctx context.Context, l net.Listener, dispatcher *cli.Dispatcher, log *slog.Logger) {
	var wg sync.WaitGroup
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("command channel accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := dispatcher.Serve(ctx, conn, conn); err != nil && ctx.Err() == nil {
				log.Warn("command channel connection ended with error", "error", err)
			}
		}()
	}
	wg.Wait()
}
