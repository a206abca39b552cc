// Package sched provides the one periodic scheduling primitive the
// monitors run on: a ticking driver that fans keyed work out to a
// bounded pool, skips keys still in flight and drains on shutdown.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fxsage/fxadvisor/internal/metrics"
)

// ListFunc enumerates the keys to process on a tick
type ListFunc func(ctx context.Context) ([]string, error)

// Task processes one key. Implementations own their error handling;
// a task returning is the only completion signal the driver needs.
type Task func(ctx context.Context, key string)

// Options tune one driver instance
type Options struct {
	// Name labels logs and metrics
	Name string
	// Interval between ticks
	Interval time.Duration
	// Workers caps concurrently running tasks
	Workers int
	// BatchSize > 0 dispatches keys in groups with BatchSpacing
	// pauses in between, bounding downstream RPC bursts
	BatchSize int
	// BatchSpacing is the pause between batches
	BatchSpacing time.Duration
	// Grace bounds the shutdown drain
	Grace time.Duration
	// RunOnStart fires an immediate tick before the first interval
	RunOnStart bool
}

// Driver fires a named tick every interval and dispatches one task
// per key. A key whose previous task has not returned is dropped for
// this tick, never queued, so a slow downstream cannot build an
// unbounded backlog.
type Driver struct {
	opts Options
	list ListFunc
	task Task
	log  zerolog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]struct{}

	wg sync.WaitGroup
}

// New builds a driver. It does nothing until Run is called.
func New(opts Options, list ListFunc, task Task, log zerolog.Logger) *Driver {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Second
	}
	return &Driver{
		opts:     opts,
		list:     list,
		task:     task,
		log:      log.With().Str("driver", opts.Name).Logger(),
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		inflight: make(map[string]struct{}),
	}
}

// Run ticks until the context is cancelled, then drains in-flight
// tasks for at most the configured grace period.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info().
		Dur("interval", d.opts.Interval).
		Int("workers", d.opts.Workers).
		Msg("Driver started")

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	if d.opts.RunOnStart {
		d.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.log.Info().Msg("Driver stopped")
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick enumerates keys and dispatches them, batched when configured
func (d *Driver) tick(ctx context.Context) {
	metrics.RecordDriverTick(d.opts.Name)

	keys, err := d.list(ctx)
	if err != nil {
		metrics.DriverEnumerationErrors.WithLabelValues(d.opts.Name).Inc()
		d.log.Error().Err(err).Msg("Failed to enumerate keys")
		return
	}
	if len(keys) == 0 {
		return
	}

	batch := d.opts.BatchSize
	if batch <= 0 {
		batch = len(keys)
	}

	for start := 0; start < len(keys); start += batch {
		if ctx.Err() != nil {
			return
		}
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			d.dispatch(ctx, key)
		}
		if end < len(keys) && d.opts.BatchSpacing > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.BatchSpacing):
			}
		}
	}
}

// dispatch hands one key to the pool unless its previous run is
// still going
func (d *Driver) dispatch(ctx context.Context, key string) {
	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		metrics.RecordTickDropped(d.opts.Name)
		d.log.Debug().Str("key", key).Msg("Previous run still in flight, tick dropped")
		return
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, key)
			d.mu.Unlock()
		}()

		// A full pool delays the task, not the driver loop. The key
		// stays marked in flight while it waits, so later ticks still
		// drop it.
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		metrics.DriverTasksActive.WithLabelValues(d.opts.Name).Inc()
		defer metrics.DriverTasksActive.WithLabelValues(d.opts.Name).Dec()

		d.task(ctx, key)
	}()
}

// drain waits for running tasks up to the grace period
func (d *Driver) drain() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info().Msg("All tasks drained")
	case <-time.After(d.opts.Grace):
		d.log.Warn().Dur("grace", d.opts.Grace).Msg("Drain grace expired with tasks still running")
	}
}

// InflightCount reports how many keys are currently marked in flight
func (d *Driver) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
