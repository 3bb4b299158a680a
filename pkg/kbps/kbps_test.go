package kbps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeCounter struct {
	recv, send int64
}

func (c *fakeCounter) RecvBytes() int64 { return c.recv }
func (c *fakeCounter) SendBytes() int64 { return c.send }

func TestRateSampleWindow(t *testing.T) {
	var s RateSample
	base := time.Now()

	s.Update(0, base, 10*time.Second)
	require.Zero(t, s.Rate)

	// Inside the window nothing recomputes.
	s.Update(5000, base.Add(5*time.Second), 10*time.Second)
	require.Zero(t, s.Rate)

	// After the window the rate is units per second.
	s.Update(100000, base.Add(10*time.Second), 10*time.Second)
	require.Equal(t, 10000, s.Rate)
}

func TestPpsCounts(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	p := NewPps(clk)

	p.Update()
	for i := 0; i < 500; i++ {
		p.Incr(1)
	}
	clk.now = clk.now.Add(10 * time.Second)
	p.Update()

	require.Equal(t, 50, p.R10s())
}

func TestKbpsFromCounter(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	io := &fakeCounter{}
	k := NewKbps(io, clk)

	k.Sample()
	io.recv = 1250000 // 1 Mbps over 10s
	io.send = 2500000
	clk.now = clk.now.Add(10 * time.Second)
	k.Sample()

	require.Equal(t, 1000, k.Recv10s())
	require.Equal(t, 2000, k.Send10s())
}
