// Package collector drives the periodic fetch→aggregate→write pipeline.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vrmcollect/vrmcollect/pkg/aggregate"
	"github.com/vrmcollect/vrmcollect/pkg/log"
	"github.com/vrmcollect/vrmcollect/pkg/store"
	"github.com/vrmcollect/vrmcollect/pkg/types"
	"github.com/vrmcollect/vrmcollect/pkg/vrm"
)

// Collector runs one collection cycle per tick: fetch every installation
// in parallel, aggregate the survivors into a site summary, and write the
// whole batch to the sink in a single submission.
//
// At most one cycle is ever in flight. A tick that arrives while a cycle
// is still running is skipped outright, never queued, so a slow store or
// API can't pile up work. Because cycles are single-flight, batches reach
// the sink in cycle order.
type Collector struct {
	source vrm.Source
	sink   store.Sink

	interval     time.Duration
	cycleTimeout time.Duration
	maxFetches   int

	// running is the only shared scheduling state; it is flipped with
	// compare-and-swap so the no-overlap invariant can't race
	running atomic.Bool
	wg      sync.WaitGroup

	cycles       atomic.Uint64
	failedCycles atomic.Uint64
	skippedTicks atomic.Uint64
}

// Stats is a snapshot of the collector's counters.
type Stats struct {
	Cycles       uint64
	FailedCycles uint64
	SkippedTicks uint64
}

// New creates a Collector. interval must be positive; cycleTimeout bounds
// how long a single cycle may run before its partial results are
// abandoned unwritten.
func New(source vrm.Source, sink store.Sink, interval, cycleTimeout time.Duration, maxFetches int) *Collector {
	if maxFetches <= 0 {
		maxFetches = 10
	}
	return &Collector{
		source:       source,
		sink:         sink,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		maxFetches:   maxFetches,
	}
}

// Stats returns the current counters. SkippedTicks makes the no-overlap
// behavior observable from the outside.
func (c *Collector) Stats() Stats {
	return Stats{
		Cycles:       c.cycles.Load(),
		FailedCycles: c.failedCycles.Load(),
		SkippedTicks: c.skippedTicks.Load(),
	}
}

// Run blocks, collecting on the configured interval until ctx is
// canceled. The first cycle starts immediately rather than one interval
// in. Cycle failures are logged and counted but never stop the loop.
func (c *Collector) Run(ctx context.Context) error {
	if c.interval <= 0 {
		return fmt.Errorf("invalid collection interval: %v", c.interval)
	}

	log.Ctx(ctx).InfoContext(ctx, "collector started",
		slog.Duration("interval", c.interval),
		slog.Duration("cycleTimeout", c.cycleTimeout),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			// let an in-flight cycle finish so we never abandon a write
			// that already started
			c.wg.Wait()
			log.Ctx(ctx).InfoContext(ctx, "collector stopped")
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick starts a cycle unless one is already in flight. The CAS is the
// whole overlap guard: losing it means this tick is dropped and the next
// chance is the next regular tick.
func (c *Collector) tick(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.skippedTicks.Add(1)
		log.Ctx(ctx).WarnContext(ctx, "previous cycle still running, skipping tick",
			slog.Uint64("skippedTicks", c.skippedTicks.Load()),
		)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		c.runCycle(ctx)
	}()
}

func (c *Collector) runCycle(ctx context.Context) {
	if c.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cycleTimeout)
		defer cancel()
	}

	// the cycle's reference time, shared by every point in the batch;
	// truncated to the store's second precision
	now := time.Now().UTC().Truncate(time.Second)

	start := time.Now()
	err := c.collect(ctx, now)
	c.cycles.Add(1)

	if err != nil {
		c.failedCycles.Add(1)
		log.Ctx(ctx).ErrorContext(ctx, "collection cycle failed",
			slog.Any("error", err),
			slog.Duration("elapsed", time.Since(start)),
		)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "collection cycle complete",
		slog.Duration("elapsed", time.Since(start)),
		slog.Uint64("cycles", c.cycles.Load()),
	)
}

func (c *Collector) collect(ctx context.Context, now time.Time) error {
	installations, err := c.source.Installations(ctx)
	if err != nil {
		return fmt.Errorf("listing installations: %w", err)
	}
	if len(installations) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no installations to collect")
		return nil
	}

	snapshots := c.fetchAll(ctx, installations, now)

	// a cycle that blew its budget is abandoned, not written
	if ctx.Err() != nil {
		return fmt.Errorf("cycle abandoned: %w", ctx.Err())
	}

	summary := aggregate.Aggregate(now, snapshots)

	batch := types.WriteBatch{
		Timestamp: now,
		Snapshots: snapshots,
		Summary:   summary,
	}
	if err := c.sink.Write(ctx, batch); err != nil {
		return err
	}
	return nil
}

// fetchAll fetches every installation concurrently, bounded by
// maxFetches, and waits for all attempts to resolve before returning.
// A failed or empty fetch excludes that installation from the cycle; it
// never fails the cycle itself.
func (c *Collector) fetchAll(ctx context.Context, installations []types.Installation, now time.Time) []types.InstallationSnapshot {
	sem := make(chan struct{}, c.maxFetches)
	var wg sync.WaitGroup
	var mu sync.Mutex
	snapshots := make([]types.InstallationSnapshot, 0, len(installations))

	for _, inst := range installations {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			snap, err := c.source.FetchSnapshot(ctx, inst, now)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "installation fetch failed, excluding from cycle",
					slog.Int64("installationID", inst.ID),
					slog.String("name", inst.Name),
					slog.Any("error", err),
				)
				return
			}
			if snap.Empty() {
				log.Ctx(ctx).DebugContext(ctx, "installation reported no metrics",
					slog.Int64("installationID", inst.ID),
					slog.String("name", inst.Name),
				)
				return
			}

			mu.Lock()
			snapshots = append(snapshots, snap)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return snapshots
}
