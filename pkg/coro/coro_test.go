package coro

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoroutineStopObservedAtPull(t *testing.T) {
	started := make(chan struct{})
	var pulls atomic.Int64

	var trd *Coroutine
	trd = New("worker", HandlerFunc(func() error {
		close(started)
		for {
			if err := trd.Pull(); err != nil {
				return err
			}
			pulls.Add(1)
			time.Sleep(time.Millisecond)
		}
	}))

	require.NoError(t, trd.Start())
	<-started
	time.Sleep(10 * time.Millisecond)
	trd.Stop()

	require.ErrorIs(t, trd.Err(), ErrInterrupted)
	require.Greater(t, pulls.Load(), int64(0))
}

func TestCoroutineSelfStop(t *testing.T) {
	var trd *Coroutine
	done := make(chan struct{})
	trd = New("self", HandlerFunc(func() error {
		defer close(done)
		trd.Stop() // stopping self must not deadlock
		return trd.Pull()
	}))

	require.NoError(t, trd.Start())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("self-stop deadlocked")
	}
}

func TestCoroutineStartTwice(t *testing.T) {
	trd := New("once", HandlerFunc(func() error { return nil }))
	require.NoError(t, trd.Start())
	require.Error(t, trd.Start())
	trd.Stop()
}

func TestCoroutineCid(t *testing.T) {
	cid := NewContextId()
	trd := NewWithCid("cid", HandlerFunc(func() error { return nil }), cid)
	require.Equal(t, cid, trd.Cid())

	other := NewContextId()
	trd.SetCid(other)
	require.Equal(t, other, trd.Cid())
	require.NotEqual(t, cid, other)
}

func TestContextIdShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewContextId()
		require.Len(t, id.String(), 8)
		seen[id.String()] = true
	}
	// Random enough that collisions in 100 draws would be alarming.
	require.Greater(t, len(seen), 95)
}

func TestCondSignalWakesOne(t *testing.T) {
	c := NewCond()
	trd := New("t", HandlerFunc(func() error { return nil }))

	var woken atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Timedwait(trd.Context(), 500*time.Millisecond); err == nil {
				woken.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	c.Signal()
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, woken.Load())

	c.Broadcast()
	wg.Wait()
	require.EqualValues(t, 3, woken.Load())
}

func TestCondTimedwaitTimesOut(t *testing.T) {
	c := NewCond()
	trd := New("t", HandlerFunc(func() error { return nil }))
	err := c.Timedwait(trd.Context(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitGroupJoins(t *testing.T) {
	wg := NewWaitGroup()
	trd := New("t", HandlerFunc(func() error { return nil }))

	wg.Add(2)
	go func() { time.Sleep(10 * time.Millisecond); wg.Done() }()
	go func() { time.Sleep(20 * time.Millisecond); wg.Done() }()

	require.NoError(t, wg.Wait(trd.Context()))
}

func TestHourglassFiresInLcmOrder(t *testing.T) {
	type firing struct {
		event int
		tick  time.Duration
	}

	var mu sync.Mutex
	var firings []firing

	h := hourglassRecorder{record: func(event int, tick time.Duration) {
		mu.Lock()
		firings = append(firings, firing{event, tick})
		mu.Unlock()
	}}

	hg := NewHourglass("test", &h, 10*time.Millisecond, RealClock())
	require.NoError(t, hg.Tick(1, 30*time.Millisecond))
	require.NoError(t, hg.Tick(2, 50*time.Millisecond))
	require.NoError(t, hg.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(firings) >= 4
	}, 2*time.Second, 5*time.Millisecond)
	hg.Stop()

	mu.Lock()
	defer mu.Unlock()

	// The first firings follow LCM order: 30, 50, 60, 90...
	require.Equal(t, firing{1, 30 * time.Millisecond}, firings[0])
	require.Equal(t, firing{2, 50 * time.Millisecond}, firings[1])
	require.Equal(t, firing{1, 60 * time.Millisecond}, firings[2])
}

type hourglassRecorder struct {
	record func(event int, tick time.Duration)
}

func (h *hourglassRecorder) Notify(event int, interval, tick time.Duration) error {
	h.record(event, tick)
	return nil
}

func TestHourglassRejectsUnalignedInterval(t *testing.T) {
	hg := NewHourglass("test", &hourglassRecorder{record: func(int, time.Duration) {}}, 100*time.Millisecond, RealClock())
	require.Error(t, hg.Tick(1, 150*time.Millisecond))
}

type countingTask struct {
	calls    *atomic.Int64
	fail     bool
	released *atomic.Int64
}

func (t *countingTask) Call() error {
	t.calls.Add(1)
	t.released.Add(1)
	if t.fail {
		return errors.New("task failed")
	}
	return nil
}

func (t *countingTask) Desc() string { return "counting" }

func TestAsyncWorkerRunsTasks(t *testing.T) {
	w := NewAsyncCallWorker()
	require.NoError(t, w.Start())
	defer w.Stop()

	var calls, released atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Execute(&countingTask{calls: &calls, released: &released, fail: i%3 == 0}))
	}

	require.Eventually(t, func() bool {
		return calls.Load() == 10
	}, time.Second, 5*time.Millisecond)
}

// Invariant 6: stopping the worker flushes pending tasks; each submitted
// task runs exactly once.
func TestAsyncWorkerStopFlushes(t *testing.T) {
	w := NewAsyncCallWorker()
	require.NoError(t, w.Start())

	var calls, released atomic.Int64
	for i := 0; i < 25; i++ {
		require.NoError(t, w.Execute(&countingTask{calls: &calls, released: &released}))
	}
	w.Stop()

	require.EqualValues(t, 25, calls.Load())
	require.EqualValues(t, 25, released.Load())
	require.Zero(t, w.Count())
}

func TestFastTimerSubscribeUnsubscribe(t *testing.T) {
	ft := NewFastTimer("test", 10*time.Millisecond, RealClock())

	var ticks atomic.Int64
	h := timerRecorder{ticks: &ticks}
	ft.Subscribe(&h)
	ft.Subscribe(&h) // idempotent

	require.NoError(t, ft.Start())
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	ft.Unsubscribe(&h)
	n := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, n, ticks.Load())

	ft.Stop()
}

type timerRecorder struct {
	ticks *atomic.Int64
}

func (h *timerRecorder) OnTimer(interval time.Duration) error {
	h.ticks.Add(1)
	return nil
}
