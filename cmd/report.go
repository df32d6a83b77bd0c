// File: cmd/report.go
package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-iast/internal/iast/vulnerability"
	"github.com/xkilldash9x/scalpel-iast/internal/observability"
	"github.com/xkilldash9x/scalpel-iast/internal/reporting"
	"github.com/xkilldash9x/scalpel-iast/internal/store"
)

// newReportCmd creates the `report` command, which renders persisted
// batches.
func newReportCmd(provider storeProvider) *cobra.Command {
	var batchID string
	var outputPath string
	var format string
	var summary bool

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generates a report from a persisted vulnerability batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			if batchID == "" && !summary {
				return fmt.Errorf("either --batch-id or --summary is required")
			}

			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			st, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer cleanup()

			if summary {
				counts, err := st.CountByType(ctx)
				if err != nil {
					return fmt.Errorf("failed to summarize vulnerabilities: %w", err)
				}
				printCounts(cmd.OutOrStdout(), counts)
				return nil
			}

			stored, err := st.GetVulnerabilitiesByBatchID(ctx, batchID)
			if err != nil {
				return fmt.Errorf("failed to load batch %s: %w", batchID, err)
			}
			if len(stored) == 0 {
				return fmt.Errorf("no vulnerabilities found for batch %s", batchID)
			}
			batch, err := rebuildBatch(stored)
			if err != nil {
				return err
			}

			logger.Info("Generating report...",
				zap.String("batch_id", batchID),
				zap.String("format", format),
				zap.String("output_path", outputPath),
			)
			rep, err := reporting.New(format, outputPath, Version, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize reporter: %w", err)
			}
			if err := multierr.Append(rep.Publish(ctx, batch), rep.Close()); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			logger.Info("Report generated successfully.", zap.Int("vulnerabilities", batch.Len()))
			return nil
		},
	}

	reportCmd.Flags().StringVar(&batchID, "batch-id", "", "ID of the persisted batch to report on.")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "stdout", "Output file path for the report.")
	reportCmd.Flags().StringVarP(&format, "format", "f", reporting.FormatSARIF, "Format for the report: sarif, json or log.")
	reportCmd.Flags().BoolVar(&summary, "summary", false, "Print vulnerability counts per type across all batches.")

	return reportCmd
}

// rebuildBatch turns stored rows back into a batch. Hashes are recomputed
// and must match what was stored.
func rebuildBatch(stored []store.StoredVulnerability) (*vulnerability.Batch, error) {
	b := vulnerability.NewBatch()
	for _, sv := range stored {
		t, err := vulnerability.TypeByName(sv.Type)
		if err != nil {
			return nil, err
		}
		v := vulnerability.New(t, sv.Location, sv.Evidence)
		if v.Hash != sv.Hash {
			observability.GetLogger().Warn("Stored vulnerability hash does not match its content.",
				zap.String("type", sv.Type),
				zap.Uint64("stored", sv.Hash),
				zap.Uint64("computed", v.Hash),
			)
		}
		if sv.StackID != "" {
			v = v.WithStackID(sv.StackID)
		}
		b.Add(v)
	}
	return b, nil
}

func printCounts(w io.Writer, counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%-22s %d\n", name, counts[name])
	}
}
