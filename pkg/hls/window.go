package hls

import (
	"time"

	"github.com/ethan/streamhub/pkg/logger"
)

// FragmentWindow holds the active segments plus the expired ones awaiting
// file deletion. The sum of active durations is bounded by the configured
// window: shrink moves the oldest actives to expired.
type FragmentWindow struct {
	fragments []*Fragment
	expired   []*Fragment
}

// NewFragmentWindow creates an empty window.
func NewFragmentWindow() *FragmentWindow { return &FragmentWindow{} }

// Append adds a committed fragment to the active list.
func (w *FragmentWindow) Append(f *Fragment) {
	w.fragments = append(w.fragments, f)
}

// Shrink walks from newest backwards accumulating durations; the first
// fragment whose running total exceeds the window, and everything older,
// moves to expired, still holding its file for the grace period.
func (w *FragmentWindow) Shrink(window time.Duration) {
	var duration time.Duration
	removeCount := 0

	for i := len(w.fragments) - 1; i >= 0; i-- {
		duration += w.fragments[i].Duration()
		if duration > window {
			// This fragment and everything older leaves the window.
			removeCount = i + 1
			break
		}
	}

	for i := 0; i < removeCount && len(w.fragments) > 0; i++ {
		f := w.fragments[0]
		w.fragments = w.fragments[1:]
		w.expired = append(w.expired, f)
	}
}

// ClearExpired frees the expired list, deleting files when asked.
func (w *FragmentWindow) ClearExpired(deleteFiles bool) {
	for _, f := range w.expired {
		if deleteFiles {
			if err := f.UnlinkFile(); err != nil {
				logger.Warn("unlink expired segment failed", "err", err)
			}
		}
	}
	w.expired = nil
}

// Dispose deletes every file, active and expired.
func (w *FragmentWindow) Dispose() {
	for _, f := range w.fragments {
		if err := f.UnlinkFile(); err != nil {
			logger.Warn("unlink segment failed", "err", err)
		}
	}
	w.fragments = nil
	w.ClearExpired(true)
}

// MaxDuration returns the longest active fragment duration.
func (w *FragmentWindow) MaxDuration() time.Duration {
	var v time.Duration
	for _, f := range w.fragments {
		if f.Duration() > v {
			v = f.Duration()
		}
	}
	return v
}

// Empty reports whether no active fragment exists.
func (w *FragmentWindow) Empty() bool { return len(w.fragments) == 0 }

// First returns the oldest active fragment.
func (w *FragmentWindow) First() *Fragment { return w.fragments[0] }

// Size returns the active count.
func (w *FragmentWindow) Size() int { return len(w.fragments) }

// At returns the active fragment at index.
func (w *FragmentWindow) At(i int) *Fragment { return w.fragments[i] }

// ExpiredSize returns the expired count, for tests.
func (w *FragmentWindow) ExpiredSize() int { return len(w.expired) }
