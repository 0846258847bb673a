package admission

import (
	"time"

	"github.com/gammazero/deque"
)

// window is the admission history of one key, oldest first.
// Timestamps are appended in non-decreasing order and only ever removed from the front.
type window struct {
	ts deque.Deque[time.Time]
}

func (w *window) len() int { return w.ts.Len() }

// oldest and newest must not be called on an empty window.
func (w *window) oldest() time.Time { return w.ts.Front() }
func (w *window) newest() time.Time { return w.ts.Back() }

func (w *window) push(t time.Time) { w.ts.PushBack(t) }

// evictOlderThan drops entries from the front whose age at now is at least age.
// Returns how many were dropped.
func (w *window) evictOlderThan(now time.Time, age time.Duration) int {
	n := 0
	for w.ts.Len() > 0 && now.Sub(w.ts.Front()) >= age {
		w.ts.PopFront()
		n++
	}
	return n
}
