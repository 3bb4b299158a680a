package coro

import (
	"errors"
	"sync"
	"time"

	"github.com/ethan/streamhub/pkg/logger"
)

// AsyncCallTask is a unit of blocking work offloaded from a hot path. The
// task owns its own cleanup; errors are logged and swallowed.
type AsyncCallTask interface {
	Call() error
	Desc() string
}

// AsyncCallWorker runs queued tasks on a background coroutine. Tasks are
// drained under the lock but executed outside it so one slow task never
// blocks Execute.
type AsyncCallWorker struct {
	trd  *Coroutine
	wait *Cond

	mu    sync.Mutex
	tasks []AsyncCallTask
}

// NewAsyncCallWorker creates a stopped worker.
func NewAsyncCallWorker() *AsyncCallWorker {
	return &AsyncCallWorker{wait: NewCond()}
}

// Execute appends a task and wakes the worker.
func (w *AsyncCallWorker) Execute(t AsyncCallTask) error {
	w.mu.Lock()
	w.tasks = append(w.tasks, t)
	w.mu.Unlock()

	w.wait.Signal()
	return nil
}

// Count returns the number of queued tasks.
func (w *AsyncCallWorker) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

// Start launches the worker coroutine.
func (w *AsyncCallWorker) Start() error {
	w.trd = New("async", HandlerFunc(w.cycle))
	return w.trd.Start()
}

// Stop flushes pending tasks then terminates the worker.
func (w *AsyncCallWorker) Stop() {
	w.flushTasks()
	w.wait.Signal()
	if w.trd != nil {
		w.trd.Stop()
	}
}

func (w *AsyncCallWorker) cycle() error {
	for {
		if err := w.trd.Pull(); err != nil {
			return err
		}

		w.mu.Lock()
		empty := len(w.tasks) == 0
		w.mu.Unlock()

		if empty {
			// Timed wait so a signal racing the empty check is not lost.
			if err := w.wait.Timedwait(w.trd.Context(), 200*time.Millisecond); err != nil && errors.Is(err, ErrInterrupted) {
				return err
			}
		}

		w.flushTasks()
	}
}

func (w *AsyncCallWorker) flushTasks() {
	w.mu.Lock()
	if len(w.tasks) == 0 {
		w.mu.Unlock()
		return
	}
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()

	for _, task := range tasks {
		if err := task.Call(); err != nil {
			logger.Default().Warn("ignore async task failed", "task", task.Desc(), "err", err)
		}
	}
}
