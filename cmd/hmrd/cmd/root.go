package cmd

import (
	"github.com/spf13/cobra"
)

// Global flags, set by rootCmd's persistent flags and read by every
// subcommand.
var (
	flagRoot      string
	flagConfig    string
	flagVerbosity string
)

// rootCmd is the base command. Running it with no subcommand runs serve,
// the daemon's only long-running mode.
var rootCmd = &cobra.Command{
	Use:   "hmrd",
	Short: "Hot-swap module runtime daemon",
	Long: `hmrd hosts live-reloadable simulation modules: it watches module
sources, rebuilds changed ones through a content-addressed cache, and
swaps compiled artifacts into a running process without dropping
in-flight state.

Commands are issued over a line-oriented command channel (LOAD_MODULE,
UNLOAD_MODULE, SWAP_MODULE, CHECKPOINT, ROLLBACK, BUILD, STATUS,
HEARTBEAT); a read-only HTTP surface exposes /healthz, /status, and
/metrics.`,
	RunE: runServe,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "./hmrd-data", "Runtime data/persistence root directory")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML config file (defaults and env vars apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&flagVerbosity, "verbosity", "", "Log level override: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
}
