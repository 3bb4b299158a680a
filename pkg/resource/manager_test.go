package resource

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/streamhub/pkg/coro"
)

type fakeResource struct {
	cid    coro.ContextId
	closed atomic.Int64
}

func (r *fakeResource) Cid() coro.ContextId { return r.cid }
func (r *fakeResource) Desc() string        { return "fake" }
func (r *fakeResource) Close() error {
	r.closed.Add(1)
	return nil
}

type recordHandler struct {
	before []Resource
	during []Resource
}

func (h *recordHandler) OnBeforeDispose(r Resource) { h.before = append(h.before, r) }
func (h *recordHandler) OnDisposing(r Resource)     { h.during = append(h.during, r) }

func TestRemoveIsDeferred(t *testing.T) {
	m := NewManager("test")
	require.NoError(t, m.Start())
	defer m.Stop()

	r := &fakeResource{cid: coro.NewContextId()}
	m.Add(r, nil)
	require.Equal(t, 1, m.Size())

	m.Remove(r)
	// Remove returns immediately; disposal happens on the manager's
	// coroutine.
	require.Eventually(t, func() bool {
		return r.closed.Load() == 1 && m.Empty()
	}, time.Second, 5*time.Millisecond)
}

func TestDisposeNotifiesInTwoPhases(t *testing.T) {
	m := NewManager("test")
	require.NoError(t, m.Start())
	defer m.Stop()

	h := &recordHandler{}
	m.Subscribe(h)

	r := &fakeResource{cid: coro.NewContextId()}
	m.Add(r, nil)
	m.Remove(r)

	require.Eventually(t, func() bool { return r.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, h.before, 1)
	require.Len(t, h.during, 1)
	require.Same(t, r, h.before[0].(*fakeResource))
}

func TestFindByIndexes(t *testing.T) {
	m := NewManager("test")

	a := &fakeResource{cid: coro.NewContextId()}
	b := &fakeResource{cid: coro.NewContextId()}
	m.AddWithID("id-a", a)
	m.AddWithFastID(42, b)
	m.AddWithName("named", a)

	require.Same(t, a, m.FindByID("id-a").(*fakeResource))
	require.Same(t, b, m.FindByFastID(42).(*fakeResource))
	require.Same(t, a, m.FindByName("named").(*fakeResource))
	require.Nil(t, m.FindByID("missing"))
	require.Equal(t, 2, m.Size())
}

func TestIndexesClearedOnDispose(t *testing.T) {
	m := NewManager("test")
	require.NoError(t, m.Start())
	defer m.Stop()

	a := &fakeResource{cid: coro.NewContextId()}
	m.AddWithID("id-a", a)
	m.Remove(a)

	require.Eventually(t, func() bool {
		return m.FindByID("id-a") == nil && m.Empty()
	}, time.Second, 5*time.Millisecond)
}

func TestStopClosesOwnedResources(t *testing.T) {
	m := NewManager("test")
	require.NoError(t, m.Start())

	r := &fakeResource{cid: coro.NewContextId()}
	m.Add(r, nil)
	m.Stop()

	require.EqualValues(t, 1, r.closed.Load())
}

func TestAddReportsDuplicates(t *testing.T) {
	m := NewManager("test")
	r := &fakeResource{cid: coro.NewContextId()}

	var exists bool
	m.Add(r, &exists)
	require.False(t, exists)
	m.Add(r, &exists)
	require.True(t, exists)
	require.Equal(t, 1, m.Size())
}
