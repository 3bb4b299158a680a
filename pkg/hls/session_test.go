package hls

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/streamhub/pkg/stream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionLifecycle(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	m := NewSessionManager(time.Minute, clk)

	req := stream.NewRequest("hls", "h", "live", "x")
	s := m.FetchOrCreate("", req)
	require.NotEmpty(t, s.ID)
	require.Equal(t, 1, m.Size())

	// A playlist refresh with the same ctx reuses the session.
	again := m.FetchOrCreate(s.ID, req)
	require.Same(t, s, again)
	require.Equal(t, 1, m.Size())

	// Segment requests validate against it.
	require.NotNil(t, m.Validate(s.ID))
	require.Nil(t, m.Validate("unknown"))
}

func TestSessionSweep(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	m := NewSessionManager(time.Minute, clk)

	var stopped []*Session
	m.OnStop = func(s *Session) { stopped = append(stopped, s) }

	req := stream.NewRequest("hls", "h", "live", "x")
	s := m.FetchOrCreate("", req)

	// Still fresh: survives the sweep.
	clk.advance(30 * time.Second)
	require.NoError(t, m.OnTimer(5*time.Second))
	require.Equal(t, 1, m.Size())

	// A request refreshes the clock.
	m.Validate(s.ID)
	clk.advance(45 * time.Second)
	require.NoError(t, m.OnTimer(5*time.Second))
	require.Equal(t, 1, m.Size())

	// Idle beyond the limit: expired, stop hook fired.
	clk.advance(2 * time.Minute)
	require.NoError(t, m.OnTimer(5*time.Second))
	require.Zero(t, m.Size())
	require.Len(t, stopped, 1)
	require.Equal(t, s.ID, stopped[0].ID)
}
