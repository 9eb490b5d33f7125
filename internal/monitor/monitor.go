// Package monitor polls a batch until it finishes, the user gives up, or
// a deadline passes. It only reads.
package monitor

import (
	"context"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
)

// State is where the loop ended up.
type State string

const (
	StatePolling   State = "POLLING"
	StateTerminal  State = "TERMINAL"
	StateCancelled State = "CANCELLED"
	StateTimedOut  State = "TIMED_OUT"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultPollTimeout = 60 * time.Second
)

// Aggregator produces one summary per call.
type Aggregator interface {
	Aggregate(ctx context.Context, batch *models.Batch) (*models.BatchSummary, error)
}

// Tick is handed to the Reporter after every poll.
type Tick struct {
	N       int
	Summary *models.BatchSummary
	Err     error
	Elapsed time.Duration
}

// Reporter renders progress. It must not block for long.
type Reporter interface {
	Report(Tick)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Tick)

// Report calls f.
func (f ReporterFunc) Report(t Tick) { f(t) }

// Loop is a cooperative polling loop.
type Loop struct {
	Aggregator Aggregator
	Reporter   Reporter
	// Interval is the wait between polls.
	Interval time.Duration
	// Timeout stops the loop with StateTimedOut; zero waits forever.
	Timeout time.Duration
	// PollTimeout bounds one aggregation.
	PollTimeout time.Duration
}

// Outcome is the result of Run.
type Outcome struct {
	State State
	Ticks int
	// Last is the most recent successful summary, if any.
	Last *models.BatchSummary
}

// Run polls batch until it is terminal, ctx is cancelled or the timeout
// passes.
func (l *Loop) Run(ctx context.Context, batch *models.Batch) Outcome {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	pollTimeout := l.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}

	runCtx := ctx
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	start := time.Now()
	out := Outcome{State: StatePolling}
	stopped := func() bool {
		switch {
		case ctx.Err() != nil:
			out.State = StateCancelled
		case runCtx.Err() != nil:
			out.State = StateTimedOut
		default:
			return false
		}
		return true
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		if stopped() {
			return out
		}

		pollCtx, cancel := context.WithTimeout(runCtx, pollTimeout)
		summary, err := l.Aggregator.Aggregate(pollCtx, batch)
		cancel()
		out.Ticks++
		if stopped() {
			return out
		}
		if err == nil {
			out.Last = summary
		}
		if l.Reporter != nil {
			l.Reporter.Report(Tick{N: out.Ticks, Summary: summary, Err: err, Elapsed: time.Since(start)})
		}
		if err == nil && summary.IsTerminal {
			out.State = StateTerminal
			return out
		}

		timer.Reset(interval)
		select {
		case <-runCtx.Done():
		case <-timer.C:
		}
	}
}
