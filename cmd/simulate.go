package cmd

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-iast/internal/config"
	"github.com/xkilldash9x/scalpel-iast/internal/iast"
	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
	"github.com/xkilldash9x/scalpel-iast/internal/observability"
	"github.com/xkilldash9x/scalpel-iast/internal/reporting"
)

// simulationSummary is what a simulate run prints.
type simulationSummary struct {
	Requests  int
	Published int64
	Stats     iast.Stats
	Duration  time.Duration
}

func newSimulateCmd(provider storeProvider) *cobra.Command {
	var sc config.SimulateConfig

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drives the IAST engine with a synthetic request workload",
		Long: `Simulate plays the role of an instrumented application: every request taints
a parameter, propagates it through string operations and hands the result to a
sink. Detected vulnerabilities are delivered through the configured report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applySimulateFlags(cmd, cfg); err != nil {
				return err
			}
			cfg.SetSimulateConfig(sc)

			logger.Info("Starting simulated workload",
				zap.Int("requests", sc.Requests),
				zap.Int("concurrency", sc.Concurrency),
				zap.Int64("seed", sc.Seed),
				zap.String("mode", cfg.IAST().Mode),
			)

			summary, err := runSimulation(ctx, cfg, provider, logger)
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}

	simulateCmd.Flags().IntVarP(&sc.Requests, "requests", "n", 100, "Number of simulated requests.")
	simulateCmd.Flags().IntVarP(&sc.Concurrency, "concurrency", "j", 4, "Number of requests served in parallel.")
	simulateCmd.Flags().Int64Var(&sc.Seed, "seed", 1, "Seed for the request mix.")

	// Config overrides.
	simulateCmd.Flags().String("mode", config.ModeRequest, "Taint context mode: request, global or optout. (Overrides config/env)")
	simulateCmd.Flags().Int("sampling", 100, "Percentage of requests analyzed. (Overrides config/env)")
	simulateCmd.Flags().Bool("disable", false, "Run the workload with the engine disabled.")
	simulateCmd.Flags().StringP("format", "f", reporting.FormatJSON, "Report format: json, sarif or log. (Overrides config/env)")
	simulateCmd.Flags().StringP("output", "o", "stdout", "Report output path. (Overrides config/env)")

	return simulateCmd
}

// applySimulateFlags copies explicitly set flags onto cfg and revalidates.
func applySimulateFlags(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		mode, _ := flags.GetString("mode")
		cfg.SetIASTMode(mode)
	}
	if flags.Changed("sampling") {
		pct, _ := flags.GetInt("sampling")
		cfg.SetIASTSamplingPercent(pct)
	}
	if flags.Changed("disable") {
		disabled, _ := flags.GetBool("disable")
		cfg.SetIASTEnabled(!disabled)
	}
	if flags.Changed("format") {
		format, _ := flags.GetString("format")
		cfg.SetReportFormat(format)
	}
	if flags.Changed("output") {
		output, _ := flags.GetString("output")
		cfg.SetReportOutput(output)
	}

	if v, ok := cfg.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid flag overrides: %w", err)
		}
	}
	return nil
}

// runSimulation builds an engine from cfg, serves the planned workload and
// shuts everything down. The summary is returned even when the run fails
// part way.
func runSimulation(ctx context.Context, cfg config.Interface, provider storeProvider, logger *zap.Logger) (*simulationSummary, error) {
	sim := cfg.Simulate()
	if sim.Requests <= 0 {
		return nil, fmt.Errorf("requests must be positive, got %d", sim.Requests)
	}
	if sim.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", sim.Concurrency)
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg, provider, logger)
	if err != nil {
		return nil, err
	}
	counted := &countingPublisher{next: publisher}

	engine, err := iast.New(cfg, logger, iast.WithPublisher(counted))
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to initialize IAST engine: %w", err), closePublisher())
	}
	engine.Start(ctx)

	start := time.Now()
	runErr := driveWorkload(ctx, engine, planWorkload(sim.Requests, sim.Seed), sim.Concurrency)
	elapsed := time.Since(start)

	// The engine flushes its last batches before the report is finalized.
	err = multierr.Combine(runErr, engine.Close(), closePublisher())

	summary := &simulationSummary{
		Requests:  sim.Requests,
		Published: counted.batches.Load(),
		Stats:     engine.Stats(),
		Duration:  elapsed,
	}
	logger.Info("Simulated workload finished",
		zap.Uint64("vulnerabilities", summary.Stats.Reporter.Reported),
		zap.Int64("batches", summary.Published),
		zap.Duration("duration", elapsed),
	)
	return summary, err
}

// driveWorkload serves every request with at most concurrency in flight.
func driveWorkload(ctx context.Context, engine *iast.Engine, plan []request, concurrency int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, r := range plan {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			serve(gctx, engine, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// buildPublisher creates the configured report, fanned out to the store when
// persistence is enabled. The returned func finalizes and releases both.
func buildPublisher(ctx context.Context, cfg config.Interface, provider storeProvider, logger *zap.Logger) (vulnerability.Publisher, func() error, error) {
	reportCfg := cfg.Report()
	rep, err := reporting.New(reportCfg.Format, reportCfg.Output, Version, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if !reportCfg.Persist {
		return rep, rep.Close, nil
	}

	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("failed to initialize store: %w", err), rep.Close())
	}
	multi := reporting.Multi{rep, reporting.NopCloser(st)}
	closeAll := func() error {
		defer cleanup()
		return multi.Close()
	}
	return multi, closeAll, nil
}

type countingPublisher struct {
	next    vulnerability.Publisher
	batches atomic.Int64
}

func (p *countingPublisher) Publish(ctx context.Context, b *vulnerability.Batch) error {
	p.batches.Add(1)
	return p.next.Publish(ctx, b)
}

func printSummary(w io.Writer, s *simulationSummary) {
	st := s.Stats
	fmt.Fprintf(w, "\nSimulation complete.\n")
	fmt.Fprintf(w, "  Requests:           %d\n", s.Requests)
	fmt.Fprintf(w, "  Analyzed:           %d\n", st.Overhead.Acquired)
	fmt.Fprintf(w, "  Sampled out:        %d\n", st.Overhead.SampledOut)
	fmt.Fprintf(w, "  Over ceiling:       %d\n", st.Overhead.CeilingRejected)
	fmt.Fprintf(w, "  Vulnerabilities:    %d\n", st.Reporter.Reported)
	fmt.Fprintf(w, "  Deduplicated:       %d\n", st.Reporter.Deduplicated)
	fmt.Fprintf(w, "  Batches published:  %d\n", s.Published)
	fmt.Fprintf(w, "  Duration:           %s\n", s.Duration.Round(time.Millisecond))
}
