// Package kbps implements sliding-window rate accounting for byte and
// packet counters.
package kbps

import (
	"sync"
	"time"
)

// WallClock is the time source for samplers, substitutable in tests.
type WallClock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the production wall clock.
func SystemClock() WallClock { return systemClock{} }

// RateSample is one window of a rate-based stat, such as kbps or pps.
type RateSample struct {
	Total int64
	Time  time.Time
	// Rate in units per second over the last window.
	Rate int
}

// Update recomputes the rate when the window has elapsed.
func (s *RateSample) Update(nn int64, now time.Time, window time.Duration) {
	if s.Time.IsZero() {
		s.Total, s.Time = nn, now
		return
	}
	elapsed := now.Sub(s.Time)
	if elapsed < window {
		return
	}
	s.Rate = int(float64(nn-s.Total) / elapsed.Seconds())
	s.Total, s.Time = nn, now
}

// Pps counts events per second over several windows. The Sugar field is a
// cheap accumulator the owner bumps on the hot path; Update folds it into
// the windows.
type Pps struct {
	clk WallClock

	mu       sync.Mutex
	sample10 RateSample
	sample30 RateSample
	sample1m RateSample
	sample5m RateSample

	Sugar int64
}

// NewPps creates a counter on the given clock.
func NewPps(clk WallClock) *Pps {
	if clk == nil {
		clk = SystemClock()
	}
	return &Pps{clk: clk}
}

// Incr adds n to the accumulator.
func (p *Pps) Incr(n int64) {
	p.mu.Lock()
	p.Sugar += n
	p.mu.Unlock()
}

// Update folds the accumulator into every window.
func (p *Pps) Update() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clk.Now()
	p.sample10.Update(p.Sugar, now, 10*time.Second)
	p.sample30.Update(p.Sugar, now, 30*time.Second)
	p.sample1m.Update(p.Sugar, now, time.Minute)
	p.sample5m.Update(p.Sugar, now, 5*time.Minute)
}

// R10s is the 10s-average rate.
func (p *Pps) R10s() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample10.Rate
}

// R30s is the 30s-average rate.
func (p *Pps) R30s() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample30.Rate
}

// ByteCounter reports cumulative bytes moved in each direction.
type ByteCounter interface {
	RecvBytes() int64
	SendBytes() int64
}

// Kbps tracks a connection's send/receive bitrate over 10s and 30s
// windows from a ByteCounter.
type Kbps struct {
	clk WallClock
	io  ByteCounter

	mu       sync.Mutex
	recv10   RateSample
	recv30   RateSample
	send10   RateSample
	send30   RateSample
	lastRecv int64
	lastSend int64
}

// NewKbps samples the given counter.
func NewKbps(io ByteCounter, clk WallClock) *Kbps {
	if clk == nil {
		clk = SystemClock()
	}
	return &Kbps{clk: clk, io: io}
}

// Sample refreshes every window from the counter.
func (k *Kbps) Sample() {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.clk.Now()
	k.lastRecv = k.io.RecvBytes()
	k.lastSend = k.io.SendBytes()
	k.recv10.Update(k.lastRecv, now, 10*time.Second)
	k.recv30.Update(k.lastRecv, now, 30*time.Second)
	k.send10.Update(k.lastSend, now, 10*time.Second)
	k.send30.Update(k.lastSend, now, 30*time.Second)
}

// Recv10s is the receive rate in kbps over the last 10s.
func (k *Kbps) Recv10s() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.recv10.Rate * 8 / 1000
}

// Send10s is the send rate in kbps over the last 10s.
func (k *Kbps) Send10s() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.send10.Rate * 8 / 1000
}

// Recv30s is the receive rate in kbps over the last 30s.
func (k *Kbps) Recv30s() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.recv30.Rate * 8 / 1000
}

// Send30s is the send rate in kbps over the last 30s.
func (k *Kbps) Send30s() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.send30.Rate * 8 / 1000
}
