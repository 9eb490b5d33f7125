package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/docbatch/internal/config"
	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/rerun"
	"github.com/Lllllllleong/docbatch/internal/source"
	"github.com/Lllllllleong/docbatch/internal/submit"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		srcOpts     source.Options
		batchID     string
		batchPrefix string
		steps       []string
		monitorRun  bool
		opts        watchOptions
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Stage documents and enqueue them for processing",
		Example: `  docbatch submit --manifest documents.csv --monitor
  docbatch submit --dir ./scans --file-pattern "*.pdf" --recursive=false
  docbatch submit --gs-uri gs://incoming/2026/ --batch-id invoices-q1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			cfg, err := ctx.loadConfig(config.CommandSubmit)
			if err != nil {
				return err
			}
			if monitorRun {
				if err := cfg.Validate(config.CommandStatus); err != nil {
					return fmt.Errorf("incomplete configuration for --monitor:\n%w", err)
				}
			}
			if !cmd.Flags().Changed("batch-prefix") {
				batchPrefix = cfg.Submit.BatchPrefix
			}
			if !cmd.Flags().Changed("refresh-interval") {
				opts.interval = cfg.Status.RefreshInterval
			}
			opts.pollTimeout = cfg.Status.PollTimeout
			srcOpts.StagingBucket = cfg.Staging.Bucket

			resolver, err := ctx.newResolver(cmd.Context(), srcOpts)
			if err != nil {
				return err
			}
			m, err := resolver.Resolve(cmd.Context())
			if err != nil {
				return err
			}
			if batchID == "" && m.BatchPrefix != "" && !cmd.Flags().Changed("batch-prefix") {
				batchPrefix = m.BatchPrefix
			}
			id, err := models.ResolveBatchID(batchID, batchPrefix, time.Now())
			if err != nil {
				return err
			}

			store, err := ctx.openRegistry(cmd.Context(), false)
			if err != nil {
				return err
			}
			stager, err := ctx.newStager(cmd.Context())
			if err != nil {
				return err
			}
			admitter, err := ctx.newAdmitter(cmd.Context())
			if err != nil {
				return err
			}

			submitter := submit.New(store, stager, admitter, submit.Options{
				Workers: cfg.Submit.Workers,
				Steps:   steps,
			})
			res, submitErr := submitter.Submit(cmd.Context(), m, id)
			if res == nil {
				return submitErr
			}

			out := cmd.OutOrStdout()
			if err := ctx.renderSubmit(out, id, m, res); err != nil {
				return err
			}
			if submitErr != nil {
				return submitErr
			}

			var watchErr error
			if monitorRun && res.Batch != nil && len(res.Batch.Entries) > 0 {
				agg, err := ctx.newAggregator(cmd.Context())
				if err != nil {
					return err
				}
				watchErr = ctx.watch(cmd.Context(), out, agg, res.Batch, opts)
			}
			if len(res.Failed) > 0 {
				return withCode(exitFailure, fmt.Errorf("%d of %d document(s) could not be submitted", len(res.Failed), m.Len()))
			}
			return watchErr
		},
	}

	cmd.Flags().StringVar(&srcOpts.ManifestPath, "manifest", "", "manifest file (CSV, JSON or YAML)")
	cmd.Flags().StringVar(&srcOpts.Directory, "dir", "", "local directory of documents")
	cmd.Flags().StringVar(&srcOpts.Prefix, "gs-uri", "", "Cloud Storage prefix of documents (gs://bucket/prefix/)")
	cmd.Flags().StringVar(&srcOpts.FilePattern, "file-pattern", source.DefaultFilePattern, "file name pattern for --dir and --gs-uri")
	cmd.Flags().BoolVar(&srcOpts.Recursive, "recursive", true, "include subdirectories for --dir and --gs-uri")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch ID; reuse one to resume a partially submitted batch")
	cmd.Flags().StringVar(&batchPrefix, "batch-prefix", config.DefaultBatchPrefix, "prefix of generated batch IDs")
	cmd.Flags().StringSliceVar(&steps, "steps", nil, "processing steps to run (default: the pipeline's full set)")
	cmd.Flags().BoolVar(&monitorRun, "monitor", false, "watch the batch after submitting")
	cmd.Flags().DurationVar(&opts.interval, "refresh-interval", config.DefaultRefreshInterval, "time between polls with --monitor")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop monitoring after this long (0 waits forever)")
	cmd.MarkFlagsMutuallyExclusive("manifest", "dir", "gs-uri")
	cmd.MarkFlagsOneRequired("manifest", "dir", "gs-uri")
	cmd.MarkFlagsMutuallyExclusive("batch-id", "batch-prefix")
	return cmd
}

// submitView is the structured form of a submission.
type submitView struct {
	BatchID     string       `json:"batch_id" yaml:"batch_id"`
	RegistryURI string       `json:"registry_uri,omitempty" yaml:"registry_uri,omitempty"`
	Documents   int          `json:"documents" yaml:"documents"`
	Enqueued    []string     `json:"enqueued" yaml:"enqueued"`
	Skipped     []string     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failed      []failedView `json:"failed,omitempty" yaml:"failed,omitempty"`
	NoOp        bool         `json:"no_op,omitempty" yaml:"no_op,omitempty"`
	Added       int          `json:"added_to_batch,omitempty" yaml:"added_to_batch,omitempty"`
}

type failedView struct {
	DocumentID string `json:"document_id" yaml:"document_id"`
	Stage      string `json:"stage" yaml:"stage"`
	Reason     string `json:"reason" yaml:"reason"`
	Error      string `json:"error" yaml:"error"`
}

func newSubmitView(batchID string, m *models.Manifest, res *submit.Result) submitView {
	v := submitView{
		BatchID:   batchID,
		Documents: m.Len(),
		Enqueued:  res.Enqueued,
		Skipped:   res.Skipped,
		NoOp:      res.NoOp,
		Added:     res.Added,
	}
	if v.Enqueued == nil {
		v.Enqueued = []string{}
	}
	if res.Batch != nil {
		v.RegistryURI = res.Batch.RegistryURI
	}
	for _, err := range res.Failed {
		v.Failed = append(v.Failed, describeFailure(err))
	}
	return v
}

func describeFailure(err error) failedView {
	switch e := err.(type) {
	case *submit.TransferError:
		return failedView{DocumentID: e.DocumentID, Stage: "transfer", Reason: string(e.Reason), Error: e.Err.Error()}
	case *submit.EnqueueError:
		return failedView{DocumentID: e.DocumentID, Stage: "enqueue", Reason: string(e.Reason), Error: e.Err.Error()}
	case *rerun.ResetError:
		return failedView{DocumentID: e.DocumentID, Stage: "reset", Reason: string(submit.Classify(e.Err)), Error: e.Err.Error()}
	default:
		return failedView{Stage: "unknown", Reason: string(submit.ReasonUnknown), Error: err.Error()}
	}
}

func (c *commandContext) renderSubmit(w io.Writer, batchID string, m *models.Manifest, res *submit.Result) error {
	v := newSubmitView(batchID, m, res)
	if c.output != outputTable {
		return writeStructured(w, c.output, v)
	}

	fmt.Fprintf(w, "Batch %s\n", v.BatchID)
	if v.RegistryURI != "" {
		fmt.Fprintf(w, "Registry: %s\n", v.RegistryURI)
	}
	if v.Added > 0 {
		fmt.Fprintf(w, "Added %d new document(s) to the existing batch.\n", v.Added)
	}
	if v.NoOp {
		fmt.Fprintf(w, "All %d document(s) were already enqueued. Nothing was submitted.\n", len(v.Skipped))
		return nil
	}
	rows := [][]string{
		{"Enqueued", fmt.Sprint(len(v.Enqueued))},
		{"Already enqueued", fmt.Sprint(len(v.Skipped))},
		{"Failed", fmt.Sprint(len(v.Failed))},
		{"Total", fmt.Sprint(v.Documents)},
	}
	fmt.Fprintln(w, renderTable([]string{"Documents", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	if len(v.Failed) > 0 {
		failed := make([][]string, 0, len(v.Failed))
		for _, f := range v.Failed {
			failed = append(failed, []string{f.DocumentID, f.Stage, f.Reason, truncate(f.Error, 80)})
		}
		fmt.Fprintln(w, "\nFailed documents")
		fmt.Fprintln(w, renderTable([]string{"Document", "Stage", "Reason", "Error"}, failed, nil))
		fmt.Fprintf(w, "\nResubmit with --batch-id %s to retry only the failed documents.\n", batchID)
	}
	if len(v.Enqueued) > 0 {
		fmt.Fprintf(w, "\nTrack progress with: docbatch status --batch-id %s --wait\n", batchID)
	}
	return nil
}
