package admission

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// Sweeper reclaims memory held for idle keys.
//
// Each store is swept on its own goroutine and a store is only ever locked one
// key at a time, so a sweep never holds both stores and cannot deadlock against
// AttemptSend. The two stores are not swept as one atomic step: a key may be
// reclaimed from one store before the other is visited. That is safe because
// only entries older than the retention horizon are dropped, and the horizon is
// never shorter than the window.
type Sweeper struct {
	stores    []*Store
	retention time.Duration

	// reclaim does the work on one locked key, swapped in tests
	reclaim func(s *Store, key string, w *window, now time.Time) (removed bool, evicted int)

	// OnKeyFailure is called when reclaiming one key panicked. The key is left as it was.
	OnKeyFailure func(d Dimension, key string, err error)
}

type SweeperOption func(*Sweeper)

// WithOnKeyFailure sets a callback for per-key sweep failures, used for logging
func WithOnKeyFailure(fn func(d Dimension, key string, err error)) SweeperOption {
	return func(s *Sweeper) {
		s.OnKeyFailure = fn
	}
}

// NewSweeper returns a sweeper over the given stores. retention must be positive.
func NewSweeper(retention time.Duration, stores []*Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		stores:    stores,
		retention: retention,
	}
	s.reclaim = s.reclaimKey
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewSweeper returns a sweeper over both of the gate's stores using its retention horizon.
func (g *Gate) NewSweeper(opts ...SweeperOption) *Sweeper {
	return NewSweeper(g.cfg.RetentionHorizon, []*Store{g.phones, g.accounts}, opts...)
}

// StoreSweepStats is what one sweep did to one store.
type StoreSweepStats struct {
	Dimension Dimension
	// Scanned is the number of keys in the snapshot
	Scanned int
	// Removed is the number of keys deleted entirely
	Removed int
	// Evicted is the number of timestamps dropped, including those of removed keys
	Evicted int
	// Failed is the number of keys whose reclamation panicked
	Failed   int
	Duration time.Duration
}

// SweepStats holds one entry per store in the order the stores were given.
type SweepStats struct {
	Stores   []StoreSweepStats
	Duration time.Duration
}

// Removed returns the number of keys removed across all stores.
func (s SweepStats) Removed() int {
	n := 0
	for _, st := range s.Stores {
		n += st.Removed
	}
	return n
}

// Evicted returns the number of timestamps dropped across all stores.
func (s SweepStats) Evicted() int {
	n := 0
	for _, st := range s.Stores {
		n += st.Evicted
	}
	return n
}

// Sweep reclaims every store as of now and waits for all of them.
//
// A key whose newest entry is at least the retention horizon old is removed.
// Otherwise its entries of that age are dropped and the key stays. A panic while
// handling one key is recovered, counted and reported; the sweep moves on to the
// next key and the returned error names the stores that had failures.
func (sw *Sweeper) Sweep(now time.Time) (SweepStats, error) {
	start := time.Now()
	stats := SweepStats{Stores: make([]StoreSweepStats, len(sw.stores))}

	var g errgroup.Group
	for i, st := range sw.stores {
		g.Go(func() error {
			stats.Stores[i] = sw.sweepStore(st, now)
			if n := stats.Stores[i].Failed; n > 0 {
				return fmt.Errorf("sweep %s: %d keys failed", st.Dimension(), n)
			}
			return nil
		})
	}
	err := g.Wait()
	stats.Duration = time.Since(start)

	// errgroup keeps only the first error, collect the rest from the stats
	if err != nil {
		var errs []error
		for _, st := range stats.Stores {
			if st.Failed > 0 {
				errs = append(errs, fmt.Errorf("sweep %s: %d keys failed", st.Dimension, st.Failed))
			}
		}
		return stats, xerrors.WithStack(errors.Join(errs...))
	}
	return stats, nil
}

func (sw *Sweeper) sweepStore(s *Store, now time.Time) StoreSweepStats {
	start := time.Now()
	keys := s.SnapshotKeys()
	st := StoreSweepStats{Dimension: s.Dimension(), Scanned: len(keys)}

	for _, key := range keys {
		removed, evicted, err := sw.sweepKey(s, key, now)
		if err != nil {
			st.Failed++
			if sw.OnKeyFailure != nil {
				sw.OnKeyFailure(s.Dimension(), key, err)
			}
			continue
		}
		if removed {
			st.Removed++
		}
		st.Evicted += evicted
	}
	st.Duration = time.Since(start)
	return st
}

// sweepKey reclaims one key under the store's upgradeable lock.
// The key may have been removed or refreshed since the snapshot was taken.
func (sw *Sweeper) sweepKey(s *Store, key string, now time.Time) (removed bool, evicted int, err error) {
	s.lockUpgradeable()
	defer s.unlockUpgradeable()

	defer func() {
		if rec := recover(); rec != nil {
			removed, evicted = false, 0
			err = xerrors.Newf("panic reclaiming %s key %s: %v", s.Dimension(), KeyDigest(key), rec)
		}
	}()

	w := s.lookup(key)
	if w == nil {
		return false, 0, nil
	}
	removed, evicted = sw.reclaim(s, key, w, now)
	return removed, evicted, nil
}

// reclaimKey removes key when its newest entry is at least the retention horizon old,
// otherwise drops just its entries of that age. Caller must hold s upgradeable.
func (sw *Sweeper) reclaimKey(s *Store, key string, w *window, now time.Time) (removed bool, evicted int) {
	if w.len() == 0 || now.Sub(w.newest()) >= sw.retention {
		n := w.len()
		s.exclusive(func() { s.remove(key) })
		return true, n
	}
	if now.Sub(w.oldest()) >= sw.retention {
		s.exclusive(func() { evicted = w.evictOlderThan(now, sw.retention) })
	}
	return false, evicted
}
