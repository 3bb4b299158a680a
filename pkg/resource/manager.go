// Package resource owns connection-like objects and disposes of them off
// their own call stacks.
package resource

import (
	"errors"
	"sync"
	"time"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
)

// Resource is anything the manager can own: connections, sessions,
// casters.
type Resource interface {
	Cid() coro.ContextId
	Desc() string
	Close() error
}

// DisposingHandler observes disposal in two phases so subscribers can drop
// cached references before the resource is destroyed.
type DisposingHandler interface {
	OnBeforeDispose(r Resource)
	OnDisposing(r Resource)
}

// Manager owns resources and runs deferred disposal from its own
// coroutine. Remove queues the resource and returns immediately; the
// actual Close never runs from inside the resource's own code paths.
type Manager struct {
	label string
	trd   *coro.Coroutine
	cond  *coro.Cond

	mu          sync.Mutex
	conns       []Resource
	connsID     map[string]Resource
	connsFastID map[uint64]Resource
	connsName   map[string]Resource
	zombies     []Resource
	// Removal requested while a dispose pass is running lands here and is
	// merged afterwards.
	pendingZombies []Resource
	disposing      bool
	handlers       []DisposingHandler
}

// NewManager creates a manager; Start launches its dispose coroutine.
func NewManager(label string) *Manager {
	return &Manager{
		label:       label,
		cond:        coro.NewCond(),
		connsID:     make(map[string]Resource),
		connsFastID: make(map[uint64]Resource),
		connsName:   make(map[string]Resource),
	}
}

// Start launches the dispose coroutine.
func (m *Manager) Start() error {
	m.trd = coro.New("manager-"+m.label, coro.HandlerFunc(m.cycle))
	return m.trd.Start()
}

// Stop terminates the dispose coroutine and closes every owned resource.
func (m *Manager) Stop() {
	if m.trd != nil {
		m.trd.Stop()
	}
	m.clear()

	m.mu.Lock()
	conns := make([]Resource, len(m.conns))
	copy(conns, m.conns)
	m.mu.Unlock()

	for _, r := range conns {
		m.dispose(r)
	}
}

func (m *Manager) cycle() error {
	for {
		if err := m.trd.Pull(); err != nil {
			return err
		}

		m.mu.Lock()
		empty := len(m.zombies) == 0
		m.mu.Unlock()

		if empty {
			// Timed wait so a signal racing the empty check is not lost.
			if err := m.cond.Timedwait(m.trd.Context(), 200*time.Millisecond); err != nil && !errors.Is(err, coro.ErrTimeout) {
				return err
			}
		}

		m.clear()
	}
}

// Subscribe registers a disposing handler.
func (m *Manager) Subscribe(h DisposingHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.handlers {
		if existing == h {
			return
		}
	}
	m.handlers = append(m.handlers, h)
}

// Unsubscribe removes a disposing handler.
func (m *Manager) Unsubscribe(h DisposingHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.handlers {
		if existing == h {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// Add takes ownership of r. exists, when non-nil, reports a duplicate.
func (m *Manager) Add(r Resource, exists *bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c == r {
			if exists != nil {
				*exists = true
			}
			return
		}
	}
	m.conns = append(m.conns, r)
}

// AddWithID takes ownership and indexes r by id.
func (m *Manager) AddWithID(id string, r Resource) {
	m.Add(r, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connsID[id] = r
}

// AddWithFastID takes ownership and indexes r by an integer id, used on
// hot paths such as SSRC lookup.
func (m *Manager) AddWithFastID(id uint64, r Resource) {
	m.Add(r, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connsFastID[id] = r
}

// AddWithName takes ownership and indexes r by name.
func (m *Manager) AddWithName(name string, r Resource) {
	m.Add(r, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connsName[name] = r
}

// FindByID looks up a resource by id.
func (m *Manager) FindByID(id string) Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connsID[id]
}

// FindByFastID looks up a resource by integer id.
func (m *Manager) FindByFastID(id uint64) Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connsFastID[id]
}

// FindByName looks up a resource by name.
func (m *Manager) FindByName(name string) Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connsName[name]
}

// At returns the resource at index, nil when out of range.
func (m *Manager) At(index int) Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.conns) {
		return nil
	}
	return m.conns[index]
}

// Empty reports whether the manager owns nothing.
func (m *Manager) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns) == 0
}

// Size returns the number of owned resources.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Remove queues r for disposal and returns immediately.
func (m *Manager) Remove(r Resource) {
	m.mu.Lock()
	if m.disposing {
		m.pendingZombies = append(m.pendingZombies, r)
	} else {
		m.zombies = append(m.zombies, r)
	}
	m.mu.Unlock()

	m.cond.Signal()
}

func (m *Manager) clear() {
	m.mu.Lock()
	if m.disposing || len(m.zombies) == 0 {
		m.mu.Unlock()
		return
	}
	m.disposing = true
	zombies := m.zombies
	m.zombies = nil
	m.mu.Unlock()

	for _, r := range zombies {
		m.dispose(r)
	}

	m.mu.Lock()
	m.disposing = false
	m.zombies = append(m.zombies, m.pendingZombies...)
	m.pendingZombies = nil
	again := len(m.zombies) > 0
	m.mu.Unlock()

	if again {
		m.cond.Signal()
	}
}

func (m *Manager) dispose(r Resource) {
	m.mu.Lock()
	handlers := make([]DisposingHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h.OnBeforeDispose(r)
	}

	m.mu.Lock()
	for id, c := range m.connsID {
		if c == r {
			delete(m.connsID, id)
		}
	}
	for id, c := range m.connsFastID {
		if c == r {
			delete(m.connsFastID, id)
		}
	}
	for name, c := range m.connsName {
		if c == r {
			delete(m.connsName, name)
		}
	}
	for i, c := range m.conns {
		if c == r {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h.OnDisposing(r)
	}

	if err := r.Close(); err != nil {
		logger.Default().Warn("dispose resource failed",
			"manager", m.label, "resource", r.Desc(), "err", err)
	}
}
