// Package delta implements the process-wide delta counter and backend
// flush loop from spec.md §5 and §9's "Global delta counter -> structured
// process-wide state" design note: a pair of atomic counters published
// through two accessors (Current for frontends, Flushing for the
// backend), advanced together only at an explicit change-barrier.
package delta

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tux3fs/coretux3/log"
	"github.com/tux3fs/coretux3/metrics"
)

var (
	advanceMeter = metrics.NewRegisteredMeter("delta/advance/count", "delta barrier crossings")
	flushTimer   = metrics.NewRegisteredTimer("delta/flush/seconds", "time spent in a delta flush callback")
)

// Counter is the structured process-wide delta state. Current() is the
// delta frontends tag newly dirtied buffers with; Flushing() is the
// delta the backend is (or most recently was) durably writing out.
type Counter struct {
	current  atomic.Uint64
	flushing atomic.Uint64

	backendMu sync.Mutex // serializes Advance; spec.md §5 assumes a single backend
}

// NewCounter starts a counter at delta 0.
func NewCounter() *Counter {
	return &Counter{}
}

// Current returns the delta frontends should tag dirty buffers with.
func (c *Counter) Current() uint64 { return c.current.Load() }

// Flushing returns the delta the backend is currently flushing, or the
// last one it flushed if none is in progress.
func (c *Counter) Flushing() uint64 { return c.flushing.Load() }

// Advance is the change-barrier: it closes out the current delta d,
// publishes d as Flushing, and publishes d+1 as Current, all under the
// backend lock so only one Advance runs at a time. Any mutation that
// arrives after this call targets d+1; if it must touch a buffer tagged
// d it will fork (internal/buffer.ForkRegistry.Fork).
func (c *Counter) Advance() (closed uint64) {
	c.backendMu.Lock()
	defer c.backendMu.Unlock()

	closed = c.current.Load()
	c.flushing.Store(closed)
	c.current.Store(closed + 1)
	advanceMeter.Mark(1)
	log.Debug("delta barrier crossed", "closed", closed, "next", closed+1)
	return closed
}

// FlushFunc durably persists every dirty buffer first tagged with delta,
// returning once that delta is safe to consider committed.
type FlushFunc func(ctx context.Context, delta uint64) error

// RunFlusher runs the single backend flush thread. It advances the
// barrier every interval (or immediately when triggered via the
// returned trigger function) and invokes flush on the delta that was
// just closed.
func RunFlusher(ctx context.Context, c *Counter, interval time.Duration, flush FlushFunc) (trigger func()) {
	triggerCh := make(chan struct{}, 1)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce(ctx, c, flush)
			case <-triggerCh:
				runOnce(ctx, c, flush)
			}
		}
	}()

	return func() {
		select {
		case triggerCh <- struct{}{}:
		default:
		}
	}
}

// FlushConcurrently runs each of flushes against the same closed delta
// with up to limit running at once, for a backend that spans several
// independent address spaces (one per mounted volume, say) and wants
// them durably written in parallel rather than one at a time. Returns
// the first error, if any, after all flushes have been attempted.
func FlushConcurrently(ctx context.Context, delta uint64, limit int, flushes ...FlushFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, f := range flushes {
		f := f
		g.Go(func() error { return f(gctx, delta) })
	}
	return g.Wait()
}

func runOnce(ctx context.Context, c *Counter, flush FlushFunc) {
	closed := c.Advance()
	start := time.Now()
	if err := flush(ctx, closed); err != nil {
		// Per spec.md §7, a failure to durably write an
		// already-flushed delta is fatal: continuing would silently
		// lose committed state.
		log.Crit("delta flush failed", "delta", closed, "err", err)
	}
	flushTimer.UpdateSince(start)
}
