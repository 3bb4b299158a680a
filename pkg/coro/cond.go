package coro

import (
	"context"
	"sync"
	"time"
)

// Cond is a condition variable whose waits are interrupt-aware: a waiter
// passes the context of its owning coroutine and unblocks when signalled,
// cancelled or timed out.
type Cond struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// NewCond creates a condition variable.
func NewCond() *Cond { return &Cond{} }

func (c *Cond) push() chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}

func (c *Cond) drop(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Wait blocks until Signal/Broadcast or ctx cancellation.
func (c *Cond) Wait(ctx context.Context) error {
	ch := c.push()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		c.drop(ch)
		return ErrInterrupted
	}
}

// Timedwait blocks like Wait but returns ErrTimeout after d.
func (c *Cond) Timedwait(ctx context.Context, d time.Duration) error {
	ch := c.push()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		c.drop(ch)
		return ErrTimeout
	case <-ctx.Done():
		c.drop(ch)
		return ErrInterrupted
	}
}

// Signal wakes one waiter, if any.
func (c *Cond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return
	}
	close(c.waiters[0])
	c.waiters = c.waiters[1:]
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

// WaitGroup joins anonymous helper coroutines. It mirrors sync.WaitGroup
// with an interrupt-aware Wait.
type WaitGroup struct {
	mu    sync.Mutex
	count int
	zero  chan struct{}
}

// NewWaitGroup creates an empty wait group.
func NewWaitGroup() *WaitGroup {
	return &WaitGroup{zero: make(chan struct{})}
}

// Add increases the outstanding count by n.
func (wg *WaitGroup) Add(n int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if wg.count == 0 && n > 0 {
		wg.zero = make(chan struct{})
	}
	wg.count += n
	if wg.count < 0 {
		panic("coro: negative WaitGroup count")
	}
	if wg.count == 0 {
		close(wg.zero)
	}
}

// Done decrements the outstanding count.
func (wg *WaitGroup) Done() { wg.Add(-1) }

// Wait blocks until the count drops to zero or ctx is cancelled.
func (wg *WaitGroup) Wait(ctx context.Context) error {
	wg.mu.Lock()
	if wg.count == 0 {
		wg.mu.Unlock()
		return nil
	}
	zero := wg.zero
	wg.mu.Unlock()

	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ErrInterrupted
	}
}
