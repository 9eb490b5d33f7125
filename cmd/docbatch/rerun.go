package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docbatch/internal/config"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/rerun"
)

func newRerunCommand(ctx *commandContext) *cobra.Command {
	var (
		req        rerun.Request
		monitorRun bool
		opts       watchOptions
	)

	cmd := &cobra.Command{
		Use:   "rerun",
		Short: "Process documents of a batch again from a given step",
		Long: `rerun sends documents that were already staged and processed back through
the pipeline, starting at --step. Staged copies are reused. Documents that
are still being processed are skipped.`,
		Example: `  docbatch rerun --batch-id invoices-q1 --step extract --monitor
  docbatch rerun --batch-id invoices-q1 --step translate --document-ids reports/q1,reports/q2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			cfg, err := ctx.loadConfig(config.CommandRerun)
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
			rerunner, err := ctx.newRerunner(cmd.Context(), store)
			if err != nil {
				return err
			}
			res, rerunErr := rerunner.Rerun(cmd.Context(), req)
			if errors.Is(rerunErr, registry.ErrNotFound) {
				return fmt.Errorf("batch %s not found in the registry", req.BatchID)
			}
			if res == nil {
				return rerunErr
			}

			out := cmd.OutOrStdout()
			if err := ctx.renderRerun(out, req, res); err != nil {
				return err
			}
			if rerunErr != nil {
				return rerunErr
			}

			var watchErr error
			if monitorRun && len(res.Batch.Entries) > 0 {
				agg, err := ctx.newAggregator(cmd.Context())
				if err != nil {
					return err
				}
				watchErr = ctx.watch(cmd.Context(), out, agg, res.Batch, opts)
			}
			if len(res.Failed) > 0 {
				return withCode(exitFailure, fmt.Errorf("%d document(s) could not be rerun", len(res.Failed)))
			}
			return watchErr
		},
	}

	cmd.Flags().StringVar(&req.BatchID, "batch-id", "", "batch whose documents are rerun")
	cmd.Flags().StringSliceVar(&req.DocumentIDs, "document-ids", nil, "only rerun these documents (default: every enqueued document)")
	cmd.Flags().StringVar(&req.Step, "step", "", "pipeline step to start from")
	cmd.Flags().StringSliceVar(&req.Steps, "steps", nil, "processing steps to run (default: the batch's steps)")
	cmd.Flags().BoolVar(&monitorRun, "monitor", false, "watch the rerun documents until they finish")
	cmd.Flags().DurationVar(&opts.interval, "refresh-interval", config.DefaultRefreshInterval, "time between polls with --monitor")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop monitoring after this long (0 waits forever)")
	_ = cmd.MarkFlagRequired("batch-id")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

type rerunView struct {
	BatchID  string          `json:"batch_id" yaml:"batch_id"`
	RerunID  string          `json:"rerun_id" yaml:"rerun_id"`
	Step     string          `json:"step" yaml:"step"`
	Admitted []string        `json:"admitted" yaml:"admitted"`
	Skipped  []rerun.Skipped `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failed   []failedView    `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func (c *commandContext) renderRerun(w io.Writer, req rerun.Request, res *rerun.Result) error {
	v := rerunView{
		BatchID:  req.BatchID,
		RerunID:  res.RerunID,
		Step:     req.Step,
		Admitted: res.Admitted,
		Skipped:  res.Skipped,
	}
	if v.Admitted == nil {
		v.Admitted = []string{}
	}
	for _, err := range res.Failed {
		v.Failed = append(v.Failed, describeFailure(err))
	}
	if c.output != outputTable {
		return writeStructured(w, c.output, v)
	}

	fmt.Fprintf(w, "Rerun %s of batch %s from step %s\n", v.RerunID, v.BatchID, v.Step)
	rows := [][]string{
		{"Enqueued", fmt.Sprint(len(v.Admitted))},
		{"Skipped", fmt.Sprint(len(v.Skipped))},
		{"Failed", fmt.Sprint(len(v.Failed))},
	}
	fmt.Fprintln(w, renderTable([]string{"Documents", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	if len(v.Skipped) > 0 {
		skipped := make([][]string, 0, len(v.Skipped))
		for _, s := range v.Skipped {
			skipped = append(skipped, []string{s.DocumentID, s.Reason})
		}
		fmt.Fprintln(w, "\nSkipped documents")
		fmt.Fprintln(w, renderTable([]string{"Document", "Reason"}, skipped, nil))
	}
	if len(v.Failed) > 0 {
		failed := make([][]string, 0, len(v.Failed))
		for _, f := range v.Failed {
			failed = append(failed, []string{f.DocumentID, f.Stage, f.Reason, truncate(f.Error, 80)})
		}
		fmt.Fprintln(w, "\nFailed documents")
		fmt.Fprintln(w, renderTable([]string{"Document", "Stage", "Reason", "Error"}, failed, nil))
	}
	return nil
}
