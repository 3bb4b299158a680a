package token

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/stream"
)

func req(app, name string) *stream.Request {
	return stream.NewRequest("rtmp", "", app, name)
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager()

	tok, err := m.AcquireToken(req("live", "x"), coro.NewContextId())
	require.NoError(t, err)
	require.True(t, tok.Acquired())
	require.True(t, m.Held(tok.StreamURL()))

	tok.Close()
	require.False(t, m.Held(tok.StreamURL()))
	require.Zero(t, m.Size())

	// A released token may be reacquired.
	tok2, err := m.AcquireToken(req("live", "x"), coro.NewContextId())
	require.NoError(t, err)
	require.True(t, tok2.Acquired())
}

func TestStreamBusy(t *testing.T) {
	m := NewManager()

	cidA := coro.NewContextId()
	cidB := coro.NewContextId()

	tokA, err := m.AcquireToken(req("live", "x"), cidA)
	require.NoError(t, err)

	_, err = m.AcquireToken(req("live", "x"), cidB)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStreamBusy))
	require.Contains(t, err.Error(), "stream busy, acquired by cid="+cidA.String())
	require.Contains(t, err.Error(), "current cid="+cidB.String())

	// The incumbent is untouched.
	require.True(t, tokA.Acquired())
	require.Equal(t, cidA, tokA.PublisherCid())
}

func TestAtMostOneAcquired(t *testing.T) {
	m := NewManager()

	// Different URLs never contend.
	_, err := m.AcquireToken(req("live", "a"), coro.NewContextId())
	require.NoError(t, err)
	_, err = m.AcquireToken(req("live", "b"), coro.NewContextId())
	require.NoError(t, err)
	require.Equal(t, 2, m.Size())

	// Same URL contends regardless of caller.
	for i := 0; i < 3; i++ {
		_, err := m.AcquireToken(req("live", "a"), coro.NewContextId())
		require.ErrorIs(t, err, ErrStreamBusy)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewManager()

	tok, err := m.AcquireToken(req("live", "x"), coro.NewContextId())
	require.NoError(t, err)

	tok.Close()
	tok.Close()
	require.Zero(t, m.Size())
}
