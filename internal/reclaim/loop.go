// Package reclaim schedules admission store sweeps for the life of the process.
package reclaim

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/smsgate/internal/admission"
	"github.com/keithlinneman/smsgate/internal/health"
	"github.com/keithlinneman/smsgate/internal/log"
	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// readiness fails once this many intervals pass without a completed sweep
const staleIntervals = 3

// Sweeper is satisfied by *admission.Sweeper.
type Sweeper interface {
	Sweep(now time.Time) (admission.SweepStats, error)
}

// Metrics is the subset of metrics.ServerMetrics the loop records to.
type Metrics interface {
	ObserveSweepStore(dimension string, removed, evicted, failed int)
	ObserveSweep(d time.Duration, ok bool, at time.Time)
}

// Loop runs a sweep at start and then every interval until its context ends.
type Loop struct {
	sweeper  Sweeper
	interval time.Duration
	logger   log.Logger
	metrics  Metrics
	now      func() time.Time

	// unix nanos of the last completed sweep, 0 = none yet
	lastSweep atomic.Int64
	sweeps    atomic.Int64
	panics    atomic.Int64
}

type Option func(*Loop)

func WithLogger(l log.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithClock sets the time passed to Sweep and used for staleness.
func WithClock(now func() time.Time) Option {
	return func(lp *Loop) { lp.now = now }
}

// New returns a loop sweeping every interval. interval must be positive.
func New(sweeper Sweeper, interval time.Duration, opts ...Option) (*Loop, error) {
	if sweeper == nil {
		return nil, xerrors.New("reclaim: sweeper is required")
	}
	if interval <= 0 {
		return nil, xerrors.Newf("reclaim: interval must be positive (got %s)", interval)
	}
	lp := &Loop{
		sweeper:  sweeper,
		interval: interval,
		logger:   log.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(lp)
	}
	if lp.logger == nil {
		lp.logger = log.Nop()
	}
	return lp, nil
}

// Run blocks until ctx is done and returns ctx.Err(). A sweep that panics is
// logged and the loop carries on at the next tick.
func (lp *Loop) Run(ctx context.Context) error {
	lp.logger.Info(ctx, "reclaim loop starting", "interval", lp.interval.String())

	lp.SweepOnce(ctx)

	ticker := time.NewTicker(lp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lp.logger.Info(ctx, "reclaim loop stopping",
				"reason", ctx.Err(),
				"sweeps", lp.sweeps.Load(),
				"panics", lp.panics.Load(),
			)
			return ctx.Err()
		case <-ticker.C:
			lp.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one sweep now and reports whether it completed.
// Key failures inside the sweep still count as completed.
func (lp *Loop) SweepOnce(ctx context.Context) (completed bool) {
	now := lp.now()
	defer func() {
		if rec := recover(); rec != nil {
			lp.panics.Add(1)
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			lp.logger.Error(ctx, xerrors.Wrap(err, "sweep panicked"), "reclaim sweep aborted")
			if lp.metrics != nil {
				lp.metrics.ObserveSweep(0, false, now)
			}
			completed = false
		}
	}()

	stats, err := lp.sweeper.Sweep(now)
	lp.sweeps.Add(1)
	lp.lastSweep.Store(now.UnixNano())

	if lp.metrics != nil {
		for _, st := range stats.Stores {
			lp.metrics.ObserveSweepStore(string(st.Dimension), st.Removed, st.Evicted, st.Failed)
		}
		lp.metrics.ObserveSweep(stats.Duration, err == nil, now)
	}

	kv := []any{
		"duration", stats.Duration.String(),
		"keys_removed", stats.Removed(),
		"entries_evicted", stats.Evicted(),
	}
	for _, st := range stats.Stores {
		kv = append(kv, string(st.Dimension)+"_scanned", st.Scanned)
	}
	if err != nil {
		lp.logger.Error(ctx, err, "reclaim sweep finished with key failures", kv...)
		return true
	}
	if stats.Removed() > 0 || stats.Evicted() > 0 {
		lp.logger.Info(ctx, "reclaim sweep finished", kv...)
	} else {
		lp.logger.Debug(ctx, "reclaim sweep finished", kv...)
	}
	return true
}

// LastSweep returns when the last completed sweep ran, or the zero time.
func (lp *Loop) LastSweep() time.Time {
	n := lp.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Probe fails until the first sweep completes and whenever the last one is
// older than three intervals.
func (lp *Loop) Probe() health.CheckFunc {
	return func(context.Context) error {
		last := lp.LastSweep()
		if last.IsZero() {
			return xerrors.New("no sweep completed yet")
		}
		limit := staleIntervals * lp.interval
		if age := lp.now().Sub(last); age > limit {
			return xerrors.Newf("last sweep %s ago, limit %s", age.Truncate(time.Second), limit)
		}
		return nil
	}
}
