// Package commands implements CLI command handlers for taintmap.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/taintmap/pkg/config"
	"github.com/Sumatoshi-tech/taintmap/pkg/observability"
	"github.com/Sumatoshi-tech/taintmap/pkg/version"
)

const configFlag = "config"

// NewRootCommand creates the taintmap command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taintmap",
		Short: "Identity-keyed taint map for runtime taint tracking",
		Long: `taintmap tracks untrusted request values by identity.

Commands:
  bench     Drive a synthetic workload against a taint map
  serve     Run the demo HTTP server with per-request taint tracking
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(configFlag, "", "config file (default: ./taintmap.yaml, ./config, /etc/taintmap)")

	rootCmd.AddCommand(NewBenchCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taintmap %s\n", version.String())
		},
	}
}

// loadConfig reads the configuration named by the --config flag, when the
// command tree carries one.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		path = ""
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

func observabilityConfig(cfg *config.Config, mode observability.AppMode) observability.Config {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Mode = mode
	obsCfg.Environment = cfg.Telemetry.Environment
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(cfg.Telemetry.OTLPHeaders)
	obsCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obsCfg.SampleRatio = cfg.Telemetry.SampleRatio
	obsCfg.LogLevel = cfg.Logging.SlogLevel()
	obsCfg.LogJSON = cfg.Logging.Format == config.LogFormatJSON

	if cfg.IAST.Debug {
		obsCfg.DebugTrace = true
	}

	return obsCfg
}
