package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/taintmap/internal/bench"
	"github.com/Sumatoshi-tech/taintmap/pkg/config"
	"github.com/Sumatoshi-tech/taintmap/pkg/observability"
	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

const plotFilePerm = 0o600

// BenchCommand holds the flags of the bench command.
type BenchCommand struct {
	workload bench.Workload

	capacity   int
	threshold  int
	purgeBatch int
	inline     bool
	debug      bool

	format  string
	plot    string
	noColor bool
}

// NewBenchCommand creates the bench subcommand.
func NewBenchCommand() *cobra.Command {
	bc := &BenchCommand{workload: bench.DefaultWorkload()}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive a synthetic workload against a taint map",
		Long: `Run concurrent workers that allocate values, taint them, look them up and
drop them while garbage collection is forced periodically, then report
throughput, hit rate, purges and the chain-length distribution.

Map settings default to the iast.map section of the configuration.`,
		Args: cobra.NoArgs,
		RunE: bc.run,
	}

	flags := cmd.Flags()
	flags.IntVar(&bc.capacity, "capacity", 0, "Bucket count, rounded up to a power of two (0 = config)")
	flags.IntVar(&bc.threshold, "threshold", 0, "Entry count that switches the map to flat mode (0 = config)")
	flags.IntVar(&bc.purgeBatch, "purge-batch", 0, "Puts between two purge attempts (0 = config)")
	flags.BoolVar(&bc.inline, "inline", false, "Use the inline-purge map variant")
	flags.BoolVar(&bc.debug, "debug", false, "Log chain statistics periodically")

	flags.IntVar(&bc.workload.Goroutines, "goroutines", bench.DefaultGoroutines, "Concurrent workers")
	flags.IntVar(&bc.workload.Ops, "ops", bench.DefaultOps, "Operations per worker")
	flags.Float64Var(&bc.workload.Churn, "churn", bench.DefaultChurn, "Share of tainted values dropped right away")
	flags.Float64Var(&bc.workload.GetRatio, "get-ratio", bench.DefaultGetRatio, "Share of operations that are lookups")
	flags.IntVar(&bc.workload.Live, "live", bench.DefaultLive, "Values each worker keeps reachable")
	flags.DurationVar(&bc.workload.GCInterval, "gc-interval", bench.DefaultGCInterval, "Forced GC period (0 = never)")
	flags.Uint64Var(&bc.workload.Seed, "seed", 0, "Seed of the operation mix")

	flags.StringVar(&bc.format, "format", bench.FormatTable,
		"Output format: "+strings.Join(bench.Formats(), ", "))
	flags.StringVar(&bc.plot, "plot", "", "Write an HTML chart of chain lengths to this file")
	flags.BoolVar(&bc.noColor, "no-color", false, "Disable colored output")

	return cmd
}

func (bc *BenchCommand) run(cmd *cobra.Command, _ []string) error {
	if !slices.Contains(bench.Formats(), bc.format) {
		return fmt.Errorf("%w: %q", bench.ErrUnknownFormat, bc.format)
	}

	if bc.noColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	providers, err := observability.Init(observabilityConfig(cfg, observability.ModeCLI))
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	defer func() {
		shutdownErr := providers.Shutdown(context.Background())
		if shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	m := taint.Build(bc.mapOptions(cfg.IAST, providers)...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	ctx, span := providers.Tracer.Start(ctx, "bench")
	defer span.End()

	providers.Logger.InfoContext(ctx, "bench started",
		"goroutines", bc.workload.Goroutines, "ops", bc.workload.Ops, "flat", m.IsFlat())

	res, err := bench.Run(ctx, m, bc.workload)
	if err != nil {
		return err
	}

	if err := bench.WriteReport(cmd.OutOrStdout(), res, bc.format); err != nil {
		return err
	}

	if bc.plot != "" {
		return writePlotFile(bc.plot, res)
	}

	return nil
}

func (bc *BenchCommand) mapOptions(cfg config.IASTConfig, providers observability.Providers) []taint.Option {
	capacity := cfg.Map.Capacity
	if bc.capacity > 0 {
		capacity = bc.capacity
	}

	threshold := cfg.Map.FlatModeThreshold
	if bc.threshold > 0 {
		threshold = bc.threshold
	}

	purgeBatch := cfg.Map.PurgeBatch
	if bc.purgeBatch > 0 {
		purgeBatch = bc.purgeBatch
	}

	opts := []taint.Option{
		taint.WithCapacity(capacity),
		taint.WithFlatModeThreshold(threshold),
		taint.WithPurgeBatch(purgeBatch),
	}

	if bc.inline || cfg.Map.PurgeInline {
		opts = append(opts, taint.WithInlinePurge())
	}

	if bc.debug || cfg.Debug {
		opts = append(opts, taint.WithDebug(providers.Logger, cfg.DebugStatisticsInterval))
	}

	return opts
}

func writePlotFile(path string, res bench.Result) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, plotFilePerm)
	if err != nil {
		return fmt.Errorf("create plot file: %w", err)
	}

	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close plot file: %w", closeErr)
		}
	}()

	return bench.WritePlot(f, res)
}
