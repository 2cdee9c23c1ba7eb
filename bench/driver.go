// Package bench drives a benchmark run's connection phase: it acquires
// one channel per simulated connection through a factory, reports how
// the acquisitions went, and releases everything at the end.
package bench

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"benchclient/factory"
	"benchclient/internal/channel"
	"benchclient/internal/errors"
	"benchclient/internal/metrics"
)

// DefaultConcurrency bounds simultaneous Acquire calls.
const DefaultConcurrency = 100

// SlotResult records the outcome of acquiring one slot.
type SlotResult struct {
	ID      int
	Handle  *channel.Handle
	Elapsed time.Duration
	Err     error
}

// Summary aggregates a run.
type Summary struct {
	RunID     string
	Requested int
	Acquired  int
	Failed    int
	Released  int
	Elapsed   time.Duration
	Failures  map[errors.Kind]int
}

// Driver acquires Connections channels concurrently and releases them.
type Driver struct {
	Factory     factory.Factory
	Connections int
	Concurrency int           // zero uses DefaultConcurrency
	Timeout     time.Duration // bounds the acquire phase; zero means none
	Logger      zerolog.Logger
	Metrics     *metrics.Collector
	Out         io.Writer // summary destination; nil disables it
}

// Run acquires every slot, logs the results and releases the handles
// it got.  It returns an error when any slot failed; the summary is
// valid either way.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	if d.Connections < 1 {
		return nil, fmt.Errorf("bench: connections must be positive, got %d", d.Connections)
	}

	acquireCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	runID := xid.New().String()
	logger := d.Logger.With().Str("run", runID).Logger()

	logger.Info().Int("connections", d.Connections).Msg("acquiring channels")
	start := time.Now()
	results := AcquireAll(acquireCtx, d.Factory, d.Connections, d.Concurrency)

	sum := &Summary{
		RunID:     runID,
		Requested: d.Connections,
		Elapsed:   time.Since(start),
		Failures:  make(map[errors.Kind]int),
	}
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			sum.Failed++
			sum.Failures[errors.Classify(r.Err)]++
			errs = append(errs, r.Err)
			logger.Warn().Err(r.Err).Int("id", r.ID).Msg("acquire failed")
			continue
		}
		sum.Acquired++
		logger.Debug().
			Int("id", r.ID).
			Stringer("channel", r.Handle).
			Dur("elapsed", r.Elapsed).
			Msg("channel acquired")
	}

	// release with the parent context so a timed-out acquire phase
	// still cleans up
	for _, r := range results {
		if r.Handle == nil {
			continue
		}
		if err := d.Factory.Release(ctx, r.Handle); err != nil {
			logger.Warn().Err(err).Int("id", r.ID).Msg("release failed")
			continue
		}
		sum.Released++
	}

	logger.Info().
		Int("acquired", sum.Acquired).
		Int("failed", sum.Failed).
		Dur("elapsed", sum.Elapsed).
		Msg("connection phase finished")
	if d.Out != nil {
		d.report(sum)
	}

	if len(errs) > 0 {
		return sum, fmt.Errorf("bench: %d of %d channels failed: %w",
			sum.Failed, sum.Requested, errors.Join(errs...))
	}
	return sum, nil
}

func (d *Driver) report(sum *Summary) {
	fmt.Fprintf(d.Out, "run %s\n", sum.RunID)
	fmt.Fprintf(d.Out, "channels: %d requested, %d acquired, %d failed, %d released in %s\n",
		sum.Requested, sum.Acquired, sum.Failed, sum.Released, sum.Elapsed.Round(time.Millisecond))
	for kind, n := range sum.Failures {
		fmt.Fprintf(d.Out, "  %s failures: %d\n", kind, n)
	}
	if d.Metrics != nil {
		fmt.Fprintln(d.Out, d.Metrics.JSON())
	}
}

// AcquireAll acquires slots 0..n-1 concurrently, at most concurrency at
// a time, and returns results in slot order.
func AcquireAll(ctx context.Context, f factory.Factory, n, concurrency int) []SlotResult {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := make([]SlotResult, n)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for id := 0; id < n; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			h, err := f.Acquire(ctx, id)
			results[id] = SlotResult{ID: id, Handle: h, Elapsed: time.Since(start), Err: err}
		}(id)
	}

	wg.Wait()
	return results
}
