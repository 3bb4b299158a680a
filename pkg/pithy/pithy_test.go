package pithy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanPrintGatesByAge(t *testing.T) {
	ps := NewStages(30 * time.Millisecond)
	p := ps.Enter(StagePlayUser)
	defer p.Close()

	require.False(t, p.CanPrint())

	time.Sleep(40 * time.Millisecond)
	p.Elapse()
	require.True(t, p.CanPrint())

	// The age resets after a print.
	require.False(t, p.CanPrint())
}

func TestIntervalScalesWithClients(t *testing.T) {
	ps := NewStages(30 * time.Millisecond)
	a := ps.Enter(StagePlayUser)
	b := ps.Enter(StagePlayUser)
	defer a.Close()
	defer b.Close()

	// Two clients double the per-stage interval.
	time.Sleep(40 * time.Millisecond)
	a.Elapse()
	require.False(t, a.CanPrint())

	time.Sleep(40 * time.Millisecond)
	a.Elapse()
	require.True(t, a.CanPrint())
}

func TestStagesAreIndependent(t *testing.T) {
	ps := NewStages(30 * time.Millisecond)
	play := ps.Enter(StagePlayUser)
	pub := ps.Enter(StagePublishUser)
	defer play.Close()
	defer pub.Close()

	time.Sleep(40 * time.Millisecond)
	play.Elapse()
	require.True(t, play.CanPrint())
	require.False(t, pub.CanPrint())
}
