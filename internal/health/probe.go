package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// Probe is evaluated at request time.
// nil = OK, non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always passes or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if every probe passes; returns the first error.
// nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any is OR: passes if any probe passes; otherwise returns the last error.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// Named prefixes any failure with name, e.g. "reclaim: no sweep in 3h0m0s".
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		if err := p.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// Timeout fails p if it does not answer within d. The check keeps running in
// the background after a timeout; it must honour ctx to release its goroutine.
func Timeout(d time.Duration, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- p.Check(ctx) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return xerrors.Newf("check timed out after %s", d)
		}
	}
}

// ShutdownGate fails readiness from the moment shutdown starts so the load
// balancer stops routing before the listeners close. The zero value is open.
type ShutdownGate struct {
	state atomic.Pointer[drainState]
}

type drainState struct {
	reason string
	since  time.Time
}

// Set closes the gate. A repeated Set keeps the original start time.
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	next := &drainState{reason: reason, since: time.Now()}
	for {
		cur := g.state.Load()
		if cur != nil {
			next.since = cur.since
		}
		if g.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.state.Store(nil) }

// Draining reports whether Set has been called since the last Clear.
func (g *ShutdownGate) Draining() bool { return g.state.Load() != nil }

// Since returns when draining started, or the zero time when open.
func (g *ShutdownGate) Since() time.Time {
	if st := g.state.Load(); st != nil {
		return st.since
	}
	return time.Time{}
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if st := g.state.Load(); st != nil {
			return xerrors.New(st.reason)
		}
		return nil
	}
}
