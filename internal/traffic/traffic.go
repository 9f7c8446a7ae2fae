// Package traffic implements the Traffic Aggregator: an intake channel fed
// by every connection's final tally, merged into a per-user map and
// periodically flushed to the panel.
package traffic

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gencl6ud/gencloud/internal/panel"
)

// IntakeCapacity is the bounded channel size connection tasks send their
// single end-of-life delta into. A soft buffer, not a commitment: a full
// channel simply blocks the sender.
const IntakeCapacity = 32

// submitWarmup is the fixed delay before the first submit tick, regardless
// of the configured submit interval.
const submitWarmup = 30 * time.Second

// Delta is one connection's final tally, in bits (byte counts are
// multiplied by 8 before being sent to the aggregator).
type Delta struct {
	UserID   int32
	UpBits   uint64
	DownBits uint64
}

// totals accumulates up/down for one user across the current submit
// window.
type totals struct {
	up, down uint64
}

// Aggregator is the Traffic Aggregator component. Construct with New,
// then run Receive and RunSubmitter as long-lived goroutines (internal/supervisor
// does this).
type Aggregator struct {
	logger *zap.Logger
	intake chan Delta

	mu    sync.Mutex
	store map[int32]totals
}

// New returns an Aggregator with its intake channel ready to accept
// deltas immediately.
func New(logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logger: logger,
		intake: make(chan Delta, IntakeCapacity),
		store:  make(map[int32]totals),
	}
}

// Submit sends a delta to the intake channel, blocking if it is full.
// If ctx is done before the delta is accepted, the drop is logged and
// not retried.
func (a *Aggregator) Submit(ctx context.Context, d Delta) {
	select {
	case a.intake <- d:
	case <-ctx.Done():
		a.logger.Warn("traffic delta dropped, aggregator shutting down", zap.Int32("user_id", d.UserID))
	}
}

// Receive drains the intake channel until ctx is cancelled, merging each
// delta into the store by addition (insert-or-add). This is the only
// place deltas are added; the submit tick reads and, after a successful
// POST, clears the store under the same lock.
func (a *Aggregator) Receive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-a.intake:
			a.mu.Lock()
			t := a.store[d.UserID]
			t.up += d.UpBits
			t.down += d.DownBits
			a.store[d.UserID] = t
			a.mu.Unlock()
		}
	}
}

// RunSubmitter waits submitWarmup, then ticks every interval, POSTing the
// accumulated totals and clearing them only on a successful (2xx) submit.
// On failure the map is retained for the next tick.
func (a *Aggregator) RunSubmitter(ctx context.Context, client *panel.Client, interval time.Duration) {
	timer := time.NewTimer(submitWarmup)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.submitOnce(ctx, client)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// submitOnce holds a.mu across the snapshot, the POST, and the clear so a
// delta merged by Receive while the POST is in flight is never lost to a
// wholesale reset: it either lands in the records just submitted, or
// arrives after the clear and survives into the next window. The cost is
// that Receive blocks for the duration of one submit call, which the
// aggregator's backpressure model already accepts.
func (a *Aggregator) submitOnce(ctx context.Context, client *panel.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.store) == 0 {
		a.logger.Debug("traffic map is empty, skipping submit")
		return
	}
	records := make([]panel.TrafficRecord, 0, len(a.store))
	var upTotal, downTotal uint64
	for userID, t := range a.store {
		records = append(records, panel.TrafficRecord{UserID: userID, Up: t.up, Down: t.down})
		upTotal += t.up
		downTotal += t.down
	}

	if err := client.SubmitTraffic(ctx, records); err != nil {
		a.logger.Warn("traffic submit failed, retaining map for next tick", zap.Error(err))
		return
	}

	a.store = make(map[int32]totals)

	a.logger.Info("traffic map submitted",
		zap.Uint64("up_bits", upTotal), zap.Uint64("down_bits", downTotal),
		zap.Int("user_count", len(records)))
}

// Snapshot returns a copy of the current accumulated totals. Test-only
// helper for exercising the aggregation and submit logic without racing
// the submit loop.
func (a *Aggregator) Snapshot() map[int32][2]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int32][2]uint64, len(a.store))
	for id, t := range a.store {
		out[id] = [2]uint64{t.up, t.down}
	}
	return out
}
