package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ethan/streamhub/pkg/coro"
)

func feed(r *NackRing, now time.Time, seqs ...uint16) {
	for _, s := range seqs {
		r.OnReceived(s, now)
	}
}

// The S4 scenario: sequences {100,101,103,104} leave 102 missing, the
// first scan requests it.
func TestNackDetectsGap(t *testing.T) {
	r := NewNackRing(DefaultNackOptions)
	now := time.Now()

	feed(r, now, 100, 101, 103, 104)

	require.Equal(t, []uint16{102}, r.Missing())
	require.Equal(t, []uint16{102}, r.DueForNack(now))

	// Within the retry interval nothing is due again.
	require.Empty(t, r.DueForNack(now.Add(10*time.Millisecond)))

	// After it, the same sequence is requested again.
	require.Equal(t, []uint16{102}, r.DueForNack(now.Add(50*time.Millisecond)))
}

// Property: for received set R with highest H, the nack list is exactly
// the sequences in [H-W, H] missing from R.
func TestNackListEqualsComplement(t *testing.T) {
	opts := DefaultNackOptions
	opts.Window = 64
	r := NewNackRing(opts)
	now := time.Now()

	received := []uint16{1000, 1001, 1004, 1005, 1009, 1010}
	feed(r, now, received...)

	got := r.Missing()
	require.Equal(t, []uint16{1002, 1003, 1006, 1007, 1008}, got)
	require.Equal(t, uint16(1010), r.Highest())
}

func TestNackRetransmissionFillsHole(t *testing.T) {
	r := NewNackRing(DefaultNackOptions)
	now := time.Now()

	feed(r, now, 10, 13)
	require.Equal(t, []uint16{11, 12}, r.Missing())

	// Late arrivals clear their misses.
	feed(r, now, 11, 12)
	require.Empty(t, r.Missing())
}

func TestNackSequenceWrap(t *testing.T) {
	r := NewNackRing(DefaultNackOptions)
	now := time.Now()

	feed(r, now, 65534, 65535, 1)
	require.Equal(t, []uint16{0}, r.Missing())
	require.Equal(t, uint16(1), r.Highest())
}

func TestNackAbandonAfterRetries(t *testing.T) {
	opts := DefaultNackOptions
	opts.MaxRetry = 2
	opts.Interval = 0
	r := NewNackRing(opts)
	now := time.Now()

	feed(r, now, 50, 52)
	require.Equal(t, []uint16{51}, r.DueForNack(now))
	require.Equal(t, []uint16{51}, r.DueForNack(now.Add(time.Millisecond)))

	// Out of retries: the sequence is abandoned, which triggers a PLI at
	// the caller.
	gone := r.Abandoned(now.Add(2 * time.Millisecond))
	require.Equal(t, []uint16{51}, gone)
	require.Empty(t, r.Missing())
}

func TestNackAbandonAfterMaxAge(t *testing.T) {
	opts := DefaultNackOptions
	opts.MaxAge = 100 * time.Millisecond
	r := NewNackRing(opts)
	now := time.Now()

	feed(r, now, 50, 52)
	require.Empty(t, r.Abandoned(now.Add(50*time.Millisecond)))
	require.Equal(t, []uint16{51}, r.Abandoned(now.Add(200*time.Millisecond)))
}

func TestNackLargeJumpResets(t *testing.T) {
	opts := DefaultNackOptions
	opts.Window = 16
	r := NewNackRing(opts)
	now := time.Now()

	feed(r, now, 100)
	// A jump far beyond the window is a stream restart, not a loss burst.
	feed(r, now, 10000)
	require.Empty(t, r.Missing())
	require.Equal(t, uint16(10000), r.Highest())
}

type recordPliSender struct {
	mu    sync.Mutex
	ssrcs []uint32
}

func (s *recordPliSender) SendPli(ssrc uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssrcs = append(s.ssrcs, ssrc)
	return nil
}

func (s *recordPliSender) sent() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.ssrcs...)
}

func TestPliWorkerBatchesRequests(t *testing.T) {
	sender := &recordPliSender{}
	w := NewPliWorker(sender, rate.Inf)
	require.NoError(t, w.Start())
	// Start is idempotent.
	require.NoError(t, w.Start())
	defer w.Stop()

	cid := coro.NewContextId()
	for i := 0; i < 10; i++ {
		w.RequestKeyframe(0xBEEF, cid)
	}

	require.Eventually(t, func() bool {
		return len(sender.sent()) >= 1
	}, time.Second, 5*time.Millisecond)

	// Duplicates collapsed into far fewer PLIs than requests.
	require.Less(t, len(sender.sent()), 10)
	require.Equal(t, uint32(0xBEEF), sender.sent()[0])
}
