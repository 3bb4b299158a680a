package rtc

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
)

// PliSender emits one PLI RTCP for the given media ssrc.
type PliSender interface {
	SendPli(ssrc uint32) error
}

// PliWorker batches keyframe requests on a per-connection coroutine so a
// burst of losses produces one PLI instead of a storm. Start is
// idempotent.
type PliWorker struct {
	sender  PliSender
	limiter *rate.Limiter

	trd  *coro.Coroutine
	cond *coro.Cond

	mu      sync.Mutex
	started bool
	pending map[uint32]coro.ContextId
}

// NewPliWorker creates a worker emitting through sender, spacing PLIs at
// least minGap apart.
func NewPliWorker(sender PliSender, minGap rate.Limit) *PliWorker {
	return &PliWorker{
		sender:  sender,
		limiter: rate.NewLimiter(minGap, 1),
		cond:    coro.NewCond(),
		pending: make(map[uint32]coro.ContextId),
	}
}

// Start launches the worker coroutine; calling it again is a no-op.
func (w *PliWorker) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	w.trd = coro.New("pli", coro.HandlerFunc(w.cycle))
	return w.trd.Start()
}

// Stop terminates the worker.
func (w *PliWorker) Stop() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started && w.trd != nil {
		w.trd.Stop()
	}
}

// RequestKeyframe queues a PLI for ssrc and wakes the worker. Duplicate
// requests within one batch collapse.
func (w *PliWorker) RequestKeyframe(ssrc uint32, cid coro.ContextId) {
	w.mu.Lock()
	w.pending[ssrc] = cid
	w.mu.Unlock()

	w.cond.Signal()
}

func (w *PliWorker) cycle() error {
	for {
		if err := w.trd.Pull(); err != nil {
			return err
		}

		w.mu.Lock()
		empty := len(w.pending) == 0
		w.mu.Unlock()

		if empty {
			// Timed wait so a signal racing the empty check is not lost.
			if err := w.cond.Timedwait(w.trd.Context(), 200*time.Millisecond); err != nil && !errors.Is(err, coro.ErrTimeout) {
				return err
			}
			continue
		}

		// Space batches out; a flood of requests coalesces while we wait.
		if err := w.limiter.Wait(w.trd.Context()); err != nil {
			return coro.ErrInterrupted
		}

		w.mu.Lock()
		batch := w.pending
		w.pending = make(map[uint32]coro.ContextId)
		w.mu.Unlock()

		for ssrc, cid := range batch {
			if err := w.sender.SendPli(ssrc); err != nil {
				logger.Warn("send PLI failed", "ssrc", ssrc, "cid", cid.String(), "err", err)
				continue
			}
			logger.Default().DebugCat(logger.DebugWebRTC, "PLI sent", "ssrc", ssrc, "cid", cid.String())
		}
	}
}
