package coro

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethan/streamhub/pkg/logger"
)

// HourglassHandler receives ticks from an Hourglass.
type HourglassHandler interface {
	// Notify is called when the (event, interval) pair is due; tick is the
	// total elapsed time in resolution multiples.
	Notify(event int, interval, tick time.Duration) error
}

// Hourglass drives multiple (event, interval) subscriptions from a single
// coroutine sleeping at a fixed resolution. With a 100ms resolution and
// subscribers at 300ms/500ms/700ms the events fire in LCM order:
//
//	Notify(1, 300ms, 300ms)
//	Notify(2, 500ms, 500ms)
//	Notify(1, 300ms, 600ms)
//	Notify(3, 700ms, 700ms)
//	...
type Hourglass struct {
	label      string
	trd        *Coroutine
	handler    HourglassHandler
	resolution time.Duration
	clock      Clock

	mu sync.Mutex
	// key: the event of tick, value: the interval of tick.
	ticks       map[int]time.Duration
	totalElapse time.Duration
}

// NewHourglass creates an hourglass; Start launches its coroutine.
func NewHourglass(label string, h HourglassHandler, resolution time.Duration, clock Clock) *Hourglass {
	hg := &Hourglass{
		label:      label,
		handler:    h,
		resolution: resolution,
		clock:      clock,
		ticks:      make(map[int]time.Duration),
	}
	hg.trd = New("hourglass-"+label, HandlerFunc(hg.cycle))
	return hg
}

// Start launches the timer coroutine.
func (hg *Hourglass) Start() error {
	if err := hg.trd.Start(); err != nil {
		return fmt.Errorf("hourglass %s: %w", hg.label, err)
	}
	return nil
}

// Stop terminates and joins the timer coroutine.
func (hg *Hourglass) Stop() {
	hg.trd.Stop()
}

// Tick subscribes an (event, interval) pair. The interval must be a
// multiple of the resolution.
func (hg *Hourglass) Tick(event int, interval time.Duration) error {
	if interval <= 0 || interval%hg.resolution != 0 {
		return fmt.Errorf("hourglass %s: interval %v not a multiple of resolution %v", hg.label, interval, hg.resolution)
	}
	hg.mu.Lock()
	defer hg.mu.Unlock()
	hg.ticks[event] = interval
	return nil
}

// Untick removes the subscription for event.
func (hg *Hourglass) Untick(event int) {
	hg.mu.Lock()
	defer hg.mu.Unlock()
	delete(hg.ticks, event)
}

func (hg *Hourglass) cycle() error {
	for {
		if err := hg.trd.Pull(); err != nil {
			return err
		}

		if err := hg.clock.Sleep(hg.trd.Context(), hg.resolution); err != nil {
			return err
		}

		hg.mu.Lock()
		hg.totalElapse += hg.resolution
		elapse := hg.totalElapse
		due := make([]int, 0, len(hg.ticks))
		intervals := make([]time.Duration, 0, len(hg.ticks))
		for event, interval := range hg.ticks {
			if elapse%interval == 0 {
				due = append(due, event)
				intervals = append(intervals, interval)
			}
		}
		hg.mu.Unlock()

		for i, event := range due {
			if err := hg.handler.Notify(event, intervals[i], elapse); err != nil {
				return fmt.Errorf("notify event=%d: %w", event, err)
			}
		}
	}
}

// FastTimerHandler receives ticks from a FastTimer.
type FastTimerHandler interface {
	OnTimer(interval time.Duration) error
}

// FastTimer is the shared flat-rate timer: one coroutine per rate bucket
// invoking a list of handlers. Handlers must be non-blocking; never start a
// timer per connection, subscribe to a shared one instead.
type FastTimer struct {
	label    string
	interval time.Duration
	clock    Clock
	trd      *Coroutine

	mu       sync.Mutex
	handlers []FastTimerHandler
}

// NewFastTimer creates a fast timer; Start launches its coroutine.
func NewFastTimer(label string, interval time.Duration, clock Clock) *FastTimer {
	ft := &FastTimer{label: label, interval: interval, clock: clock}
	ft.trd = New("timer-"+label, HandlerFunc(ft.cycle))
	return ft
}

// Start launches the timer coroutine.
func (ft *FastTimer) Start() error {
	return ft.trd.Start()
}

// Stop terminates and joins the timer coroutine.
func (ft *FastTimer) Stop() {
	ft.trd.Stop()
}

// Subscribe registers a handler; subscribing twice is a no-op.
func (ft *FastTimer) Subscribe(h FastTimerHandler) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, existing := range ft.handlers {
		if existing == h {
			return
		}
	}
	ft.handlers = append(ft.handlers, h)
}

// Unsubscribe removes a handler.
func (ft *FastTimer) Unsubscribe(h FastTimerHandler) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, existing := range ft.handlers {
		if existing == h {
			ft.handlers = append(ft.handlers[:i], ft.handlers[i+1:]...)
			return
		}
	}
}

func (ft *FastTimer) cycle() error {
	for {
		if err := ft.trd.Pull(); err != nil {
			return err
		}

		if err := ft.clock.Sleep(ft.trd.Context(), ft.interval); err != nil {
			return err
		}

		ft.mu.Lock()
		handlers := make([]FastTimerHandler, len(ft.handlers))
		copy(handlers, ft.handlers)
		ft.mu.Unlock()

		for _, h := range handlers {
			if err := h.OnTimer(ft.interval); err != nil {
				logger.Default().Warn("fast timer handler failed",
					"timer", ft.label, "err", err)
			}
		}
	}
}

// SharedTimer owns the process-wide fast timers. Components subscribe to a
// bucket instead of starting their own timer.
type SharedTimer struct {
	timer20ms  *FastTimer
	timer100ms *FastTimer
	timer1s    *FastTimer
	timer5s    *FastTimer
	monitor    *ClockWallMonitor
}

// NewSharedTimer creates the timer set without starting it.
func NewSharedTimer(clock Clock) *SharedTimer {
	return &SharedTimer{
		timer20ms:  NewFastTimer("20ms", 20*time.Millisecond, clock),
		timer100ms: NewFastTimer("100ms", 100*time.Millisecond, clock),
		timer1s:    NewFastTimer("1s", time.Second, clock),
		timer5s:    NewFastTimer("5s", 5*time.Second, clock),
		monitor:    NewClockWallMonitor(clock),
	}
}

// Initialize starts all timers and subscribes the clock-wall monitor.
func (st *SharedTimer) Initialize() error {
	st.timer20ms.Subscribe(st.monitor)
	for _, t := range []*FastTimer{st.timer20ms, st.timer100ms, st.timer1s, st.timer5s} {
		if err := t.Start(); err != nil {
			return fmt.Errorf("start timer %s: %w", t.label, err)
		}
	}
	return nil
}

// Close stops all timers.
func (st *SharedTimer) Close() {
	for _, t := range []*FastTimer{st.timer20ms, st.timer100ms, st.timer1s, st.timer5s} {
		t.Stop()
	}
}

// Timer20ms is the 20ms bucket.
func (st *SharedTimer) Timer20ms() *FastTimer { return st.timer20ms }

// Timer100ms is the 100ms bucket.
func (st *SharedTimer) Timer100ms() *FastTimer { return st.timer100ms }

// Timer1s is the 1s bucket.
func (st *SharedTimer) Timer1s() *FastTimer { return st.timer1s }

// Timer5s is the 5s bucket.
func (st *SharedTimer) Timer5s() *FastTimer { return st.timer5s }

// ClockWallMonitor watches the 20ms timer and counts how far the wall
// clock drifts past the expected interval, which surfaces scheduler stalls.
type ClockWallMonitor struct {
	clock Clock

	mu   sync.Mutex
	last time.Time

	// Drift buckets in ms, cumulative counts.
	drift25  uint64
	drift40  uint64
	drift160 uint64
}

// NewClockWallMonitor creates a monitor for the 20ms bucket.
func NewClockWallMonitor(clock Clock) *ClockWallMonitor {
	return &ClockWallMonitor{clock: clock}
}

// OnTimer implements FastTimerHandler.
func (m *ClockWallMonitor) OnTimer(interval time.Duration) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last.IsZero() {
		m.last = now
		return nil
	}

	drift := now.Sub(m.last) - interval
	m.last = now

	switch {
	case drift >= 160*time.Millisecond:
		m.drift160++
		logger.Default().Warn("clock drift beyond 160ms", "drift", drift.String())
	case drift >= 40*time.Millisecond:
		m.drift40++
	case drift >= 25*time.Millisecond:
		m.drift25++
	}
	return nil
}

// Drifts returns the cumulative (25ms, 40ms, 160ms) bucket counts.
func (m *ClockWallMonitor) Drifts() (uint64, uint64, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drift25, m.drift40, m.drift160
}
