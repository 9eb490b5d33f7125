package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docbatch/internal/config"
	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/report"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		batchID string
		wait    bool
		opts    watchOptions
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of a batch",
		Example: `  docbatch status --batch-id cli-batch-20260101-120000-1a2b3c4d
  docbatch status --batch-id my-batch --wait --timeout 2h
  docbatch status --batch-id my-batch --export report.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			if err := models.ValidateBatchID(batchID); err != nil {
				return err
			}
			cfg, err := ctx.loadConfig(config.CommandStatus)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("refresh-interval") {
				opts.interval = cfg.Status.RefreshInterval
			}
			opts.pollTimeout = cfg.Status.PollTimeout

			store, err := ctx.openRegistry(cmd.Context(), true)
			if err != nil {
				return err
			}
			rec, err := store.Load(cmd.Context(), batchID)
			if errors.Is(err, registry.ErrNotFound) {
				return fmt.Errorf("batch %s not found in the registry", batchID)
			}
			if err != nil {
				return err
			}
			batch := rec.Batch(store.URI(batchID))
			if len(batch.Entries) == 0 {
				return fmt.Errorf("batch %s has no enqueued documents to track", batchID)
			}

			agg, err := ctx.newAggregator(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wait {
				return ctx.watch(cmd.Context(), out, agg, batch, opts)
			}
			summary, err := agg.Aggregate(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return ctx.renderStatus(out, summary, opts.export)
		},
	}

	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch to report on (required)")
	cmd.Flags().BoolVar(&wait, "wait", false, "keep polling until every document has finished")
	cmd.Flags().DurationVar(&opts.interval, "refresh-interval", config.DefaultRefreshInterval, "time between polls with --wait")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	cmd.Flags().StringVar(&opts.export, "export", "", "also write an XLSX report to this file")
	_ = cmd.MarkFlagRequired("batch-id")
	return cmd
}

// renderStatus prints summary in the selected format and writes the XLSX
// export when one was requested.
func (c *commandContext) renderStatus(w io.Writer, summary *models.BatchSummary, export string) error {
	switch c.output {
	case outputTable:
		fmt.Fprint(w, renderSummary(summary, 0))
	default:
		if err := writeStructured(w, c.output, newStatusView(summary)); err != nil {
			return err
		}
	}
	if export == "" {
		return nil
	}
	if err := exportReport(export, summary); err != nil {
		return err
	}
	if c.output == outputTable {
		fmt.Fprintf(w, "\nReport written to %s\n", export)
	}
	return nil
}

func exportReport(path string, summary *models.BatchSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", path, err)
	}
	if err := report.WriteXLSX(f, summary, time.Now()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return f.Close()
}
