// Package rtc hosts the WebRTC domain: per-peer connections, receive and
// send tracks, the NACK loss detector and the PLI worker.
package rtc

import (
	"sort"
	"time"
)

// seqNewer reports whether a is ahead of b in the 16-bit sequence space,
// wrap-aware.
func seqNewer(a, b uint16) bool {
	return a != b && (a-b) < 0x8000
}

// seqDistance returns how far a is ahead of b, wrap-aware.
func seqDistance(a, b uint16) uint16 {
	return a - b
}

// nackItem tracks one missed sequence.
type nackItem struct {
	seq        uint16
	insertedAt time.Time
	retries    int
	lastSentAt time.Time
}

// NackOptions tunes the loss detector.
type NackOptions struct {
	// Window is how far behind the highest sequence a loss is tracked
	// before eviction.
	Window uint16
	// Interval is the minimum gap between retransmit requests for the
	// same sequence.
	Interval time.Duration
	// MaxRetry abandons a sequence after this many NACKs and escalates to
	// a PLI.
	MaxRetry int
	// MaxAge abandons a sequence pending longer than this.
	MaxAge time.Duration
}

// DefaultNackOptions mirror a 20ms driving timer.
var DefaultNackOptions = NackOptions{
	Window:   512,
	Interval: 40 * time.Millisecond,
	MaxRetry: 5,
	MaxAge:   800 * time.Millisecond,
}

// NackRing detects losses in an RTP sequence space: each received packet
// advances the highest-seen pointer, gaps become tracked misses, and the
// owner periodically asks which are due for retransmission or have to be
// abandoned.
//
// All sequence arithmetic is modulo 2^16 with wrap-aware comparison. The
// ring is touched only from the owning connection's coroutine.
type NackRing struct {
	opts NackOptions

	started bool
	highest uint16
	missing map[uint16]*nackItem
}

// NewNackRing creates a detector.
func NewNackRing(opts NackOptions) *NackRing {
	if opts.Window == 0 {
		opts = DefaultNackOptions
	}
	return &NackRing{opts: opts, missing: make(map[uint16]*nackItem)}
}

// OnReceived accounts one arrived sequence, inserting any gap it opens and
// clearing the miss it fills. now drives age accounting.
func (r *NackRing) OnReceived(seq uint16, now time.Time) {
	if !r.started {
		r.started = true
		r.highest = seq
		return
	}

	if seqNewer(seq, r.highest) {
		// A jump ahead: everything between is missing until proven
		// otherwise. Bound the insert so a stream restart cannot flood.
		gap := seqDistance(seq, r.highest)
		if gap > r.opts.Window {
			r.missing = make(map[uint16]*nackItem)
		} else {
			for s := r.highest + 1; s != seq; s++ {
				r.missing[s] = &nackItem{seq: s, insertedAt: now}
			}
		}
		r.highest = seq
	} else {
		// A retransmission or reordering filled a hole.
		delete(r.missing, seq)
	}

	r.evict(now)
}

// evict drops misses outside the window.
func (r *NackRing) evict(now time.Time) {
	for s := range r.missing {
		if seqDistance(r.highest, s) > r.opts.Window {
			delete(r.missing, s)
		}
	}
}

// Missing snapshots the currently tracked losses in ascending sequence
// order (relative to the highest).
func (r *NackRing) Missing() []uint16 {
	out := make([]uint16, 0, len(r.missing))
	for s := range r.missing {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return seqNewer(out[j], out[i])
	})
	return out
}

// Highest returns the highest received sequence.
func (r *NackRing) Highest() uint16 { return r.highest }

// DueForNack returns the sequences whose retransmit request should go out
// now, bumping their retry counters.
func (r *NackRing) DueForNack(now time.Time) []uint16 {
	var due []uint16
	for _, item := range r.missing {
		if item.retries >= r.opts.MaxRetry {
			continue
		}
		if !item.lastSentAt.IsZero() && now.Sub(item.lastSentAt) < r.opts.Interval {
			continue
		}
		item.retries++
		item.lastSentAt = now
		due = append(due, item.seq)
	}
	sort.Slice(due, func(i, j int) bool {
		return seqNewer(due[j], due[i])
	})
	return due
}

// Abandoned removes and returns the sequences pending beyond MaxAge or out
// of retries; the caller escalates to a PLI when any come back.
func (r *NackRing) Abandoned(now time.Time) []uint16 {
	var gone []uint16
	for s, item := range r.missing {
		if item.retries >= r.opts.MaxRetry || now.Sub(item.insertedAt) > r.opts.MaxAge {
			gone = append(gone, s)
			delete(r.missing, s)
		}
	}
	return gone
}

// Size returns the tracked miss count.
func (r *NackRing) Size() int { return len(r.missing) }
