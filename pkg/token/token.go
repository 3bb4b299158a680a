// Package token enforces single-writer semantics per stream URL across
// the whole process.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/stream"
)

// ErrStreamBusy means the publish token is held by another publisher.
var ErrStreamBusy = errors.New("stream busy")

// Token is an exclusive publish lease for one stream URL. Close releases
// it exactly once.
type Token struct {
	url      string
	acquired bool
	cid      coro.ContextId
	manager  *Manager

	once sync.Once
}

// StreamURL returns the stream URL the token guards.
func (t *Token) StreamURL() string { return t.url }

// Acquired reports whether the token is currently held.
func (t *Token) Acquired() bool { return t.acquired }

// PublisherCid returns the holder's context id.
func (t *Token) PublisherCid() coro.ContextId { return t.cid }

// Close releases the token; safe to call more than once.
func (t *Token) Close() {
	t.once.Do(func() {
		if t.acquired && t.manager != nil {
			t.manager.ReleaseToken(t.url)
			t.acquired = false
		}
	})
}

// Manager is the process-wide token map. A single mutex guards it; every
// other hot path stays lock-free by construction.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewManager creates an empty token manager.
func NewManager() *Manager {
	return &Manager{tokens: make(map[string]*Token)}
}

// AcquireToken grants the publish lease for the request's stream URL to
// cid, or fails with ErrStreamBusy naming both context ids.
func (m *Manager) AcquireToken(req *stream.Request, cid coro.ContextId) (*Token, error) {
	url := req.StreamURL()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[url]
	if !ok {
		t = &Token{url: url, manager: m}
		m.tokens[url] = t
	}

	if t.acquired {
		return nil, fmt.Errorf("%w, acquired by cid=%s, current cid=%s",
			ErrStreamBusy, t.cid.String(), cid.String())
	}

	t.acquired = true
	t.cid = cid
	return t, nil
}

// ReleaseToken releases the lease and removes the map entry, so a released
// token may be reacquired with a fresh one.
func (m *Manager) ReleaseToken(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[url]
	if !ok {
		return
	}
	t.acquired = false
	delete(m.tokens, url)

	logger.Default().Debug("stream publish token released", "url", url)
}

// Held reports whether the URL currently has an acquired token.
func (m *Manager) Held(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[url]
	return ok && t.acquired
}

// Size returns the number of live tokens.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}
