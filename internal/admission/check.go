package admission

import (
	"time"

	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// decision is what the sliding window check concluded for one key.
type decision struct {
	admit bool
	// evict is set when the window is full but its oldest entry has aged out;
	// the expired entries must be dropped before the new one is recorded
	evict bool
}

// check decides whether one more admission fits in w at now. It does not mutate w.
// A nil w is an unseen key.
//
//  1. fewer than max entries: admit
//  2. full and the oldest entry is younger than span: deny
//  3. full and the oldest entry has aged out: admit after evicting; at least the
//     oldest goes, so the count drops below max
//
// now earlier than the newest entry breaks the ordering the window relies on and is reported as an error.
func check(w *window, max int, span time.Duration, now time.Time) (decision, error) {
	if w == nil || w.len() == 0 {
		return decision{admit: true}, nil
	}
	if newest := w.newest(); now.Before(newest) {
		return decision{}, xerrors.Newf("non-monotonic admission time: now %s is before newest entry %s",
			now.Format(time.RFC3339Nano), newest.Format(time.RFC3339Nano))
	}
	if w.len() < max {
		return decision{admit: true}, nil
	}
	if now.Sub(w.oldest()) < span {
		return decision{}, nil
	}
	return decision{admit: true, evict: true}, nil
}
