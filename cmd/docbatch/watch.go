package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/monitor"
)

const clearScreen = "\x1b[H\x1b[2J"

type watchOptions struct {
	interval    time.Duration
	timeout     time.Duration
	pollTimeout time.Duration
	export      string
}

// liveReporter redraws the summary on a terminal and logs one line per
// poll otherwise.
type liveReporter struct {
	w    io.Writer
	live bool
}

func (r *liveReporter) Report(t monitor.Tick) {
	if t.Err != nil {
		slog.Warn("Status poll failed, will retry.", "poll", t.N, "error", t.Err)
		return
	}
	if r.live {
		fmt.Fprint(r.w, clearScreen)
		fmt.Fprint(r.w, renderSummary(t.Summary, t.Elapsed))
		fmt.Fprintln(r.w, "\nPress Ctrl+C to stop monitoring. The batch keeps running.")
		return
	}
	st := t.Summary.Counts
	slog.Info("Batch progress.",
		"batchId", t.Summary.BatchID,
		"poll", t.N,
		"completed", st[models.StatusCompleted],
		"running", st[models.StatusRunning],
		"queued", st[models.StatusQueued],
		"failed", st[models.StatusFailed],
		"unknown", st[models.StatusUnknown],
		"total", t.Summary.Total,
	)
}

// watch polls batch until it finishes and renders the final state. The
// returned error carries the exit code: failures 1, timeout 2, cancel 130.
func (c *commandContext) watch(ctx context.Context, w io.Writer, agg monitor.Aggregator, batch *models.Batch, opts watchOptions) error {
	reporter := &liveReporter{w: w, live: c.output == outputTable && isTerminal(w)}
	loop := &monitor.Loop{
		Aggregator:  agg,
		Reporter:    reporter,
		Interval:    opts.interval,
		Timeout:     opts.timeout,
		PollTimeout: opts.pollTimeout,
	}
	out := loop.Run(ctx, batch)
	return c.finish(w, out, opts)
}

func (c *commandContext) finish(w io.Writer, out monitor.Outcome, opts watchOptions) error {
	if out.Last != nil {
		if err := c.renderStatus(w, out.Last, opts.export); err != nil {
			return err
		}
	}
	switch out.State {
	case monitor.StateCancelled:
		fmt.Fprintln(w, "Monitoring stopped. The batch is still processing.")
		return withCode(exitCancelled, nil)
	case monitor.StateTimedOut:
		return withCode(exitTimedOut, fmt.Errorf("batch did not finish within %s", opts.timeout))
	}
	if out.Last != nil && out.Last.HasFailures() {
		return withCode(exitFailure, fmt.Errorf("%d document(s) failed", out.Last.Counts[models.StatusFailed]))
	}
	return nil
}
