package log

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttled wraps l so Debug, Info and Warn records are emitted at most once per
// interval after the first burst. Error always goes through. Derived loggers from
// With share the same budget.
//
// Used for per-request denial logging, which can be as hot as the request rate.
func Throttled(l Logger, burst int, interval time.Duration) Logger {
	return &throttled{next: l, s: &rate.Sometimes{First: burst, Interval: interval}}
}

type throttled struct {
	next Logger
	s    *rate.Sometimes
}

func (t *throttled) With(kv ...any) Logger {
	return &throttled{next: t.next.With(kv...), s: t.s}
}

func (t *throttled) Debug(ctx context.Context, msg string, kv ...any) {
	t.s.Do(func() { t.next.Debug(ctx, msg, kv...) })
}

func (t *throttled) Info(ctx context.Context, msg string, kv ...any) {
	t.s.Do(func() { t.next.Info(ctx, msg, kv...) })
}

func (t *throttled) Warn(ctx context.Context, msg string, kv ...any) {
	t.s.Do(func() { t.next.Warn(ctx, msg, kv...) })
}

func (t *throttled) Error(ctx context.Context, err error, msg string, kv ...any) {
	t.next.Error(ctx, err, msg, kv...)
}

func (t *throttled) Sync() error { return t.next.Sync() }
