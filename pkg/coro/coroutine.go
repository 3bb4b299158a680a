package coro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/ethan/streamhub/pkg/logger"
)

// ErrInterrupted is the terminal error a coroutine observes at its next
// Pull after Stop or Interrupt. Treated as a clean shutdown by the runtime.
var ErrInterrupted = errors.New("coroutine interrupted")

// ErrTimeout is returned by timed waits that expire.
var ErrTimeout = errors.New("wait timeout")

// Handler is the body of a coroutine. Cycle is invoked exactly once; a
// handler with its own loop must check Pull on the owning coroutine every
// iteration.
type Handler interface {
	Cycle() error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func() error

// Cycle calls the function.
func (f HandlerFunc) Cycle() error { return f() }

// Coroutine is a managed goroutine with cooperative stop semantics: Stop
// and Interrupt cancel its context, the handler observes that at the next
// Pull (or any context-aware wait) and unwinds normally.
type Coroutine struct {
	name    string
	handler Handler

	mu      sync.Mutex
	cid     ContextId
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	err     error

	done chan struct{}
	gid  uint64
}

// New creates a coroutine with a fresh context id. It does not run until
// Start is called.
func New(name string, h Handler) *Coroutine {
	return NewWithCid(name, h, NewContextId())
}

// NewWithCid creates a coroutine inheriting the given context id.
func NewWithCid(name string, h Handler, cid ContextId) *Coroutine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coroutine{
		name:    name,
		handler: h,
		cid:     cid,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the handler. Calling Start twice is an error.
func (c *Coroutine) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coroutine %s already started", c.name)
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return fmt.Errorf("coroutine %s already stopped: %w", c.name, ErrInterrupted)
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		c.mu.Lock()
		c.gid = curGoroutineID()
		c.mu.Unlock()

		err := c.handler.Cycle()

		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		if err != nil && !errors.Is(err, ErrInterrupted) {
			logger.Default().Warn("coroutine terminated with error",
				"name", c.name, "cid", c.cid.String(), "err", err)
		}
		close(c.done)
	}()

	return nil
}

// Stop cancels the coroutine and joins it. Stopping self is tolerated: when
// called from the coroutine's own goroutine it cancels without joining.
func (c *Coroutine) Stop() {
	c.cancel()

	c.mu.Lock()
	started, gid := c.started, c.gid
	c.mu.Unlock()

	if !started {
		return
	}
	if gid != 0 && gid == curGoroutineID() {
		// Self stop: the cycle is still on this stack, joining would
		// deadlock. The caller unwinds via its next Pull.
		return
	}
	<-c.done
}

// Interrupt is a non-blocking wakeup: the next suspension point returns
// early with ErrInterrupted.
func (c *Coroutine) Interrupt() {
	c.cancel()
}

// Pull returns nil while the coroutine should keep running, or the
// terminal error once it has been asked to exit.
func (c *Coroutine) Pull() error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("coroutine %s: %w", c.name, ErrInterrupted)
	}
	return nil
}

// Context exposes the coroutine's context for use at suspension points.
func (c *Coroutine) Context() context.Context { return c.ctx }

// Cid returns the coroutine's context id.
func (c *Coroutine) Cid() ContextId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cid
}

// SetCid replaces the coroutine's context id.
func (c *Coroutine) SetCid(cid ContextId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cid = cid
}

// Err returns the terminal error once the cycle has returned.
func (c *Coroutine) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the cycle has returned.
func (c *Coroutine) Done() <-chan struct{} { return c.done }

// curGoroutineID parses the goroutine id from the stack header. Only used
// to make self-stop safe; never exposed.
func curGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
