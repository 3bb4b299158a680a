package breaker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethan/streamhub/pkg/config"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		Enabled:           true,
		HighThreshold:     75,
		HighPulse:         2,
		CriticalThreshold: 85,
		CriticalPulse:     1,
		DyingThreshold:    95,
		DyingPulse:        1,
	}
}

type fixedStat struct{ cpu float64 }

func (s *fixedStat) CPUPercent() (float64, error) { return s.cpu, nil }

// The S5 ladder: flags per tick for a fixed CPU sample sequence.
func TestWaterLevelLadder(t *testing.T) {
	b := New(testConfig(), &fixedStat{})

	samples := []float64{60, 80, 80, 90, 98, 98, 40, 40, 40}
	type flags struct{ high, critical, dying bool }
	want := []flags{
		{false, false, false},
		{true, false, false},
		{true, false, false},
		{true, true, false},
		{true, true, true},
		{true, true, true},
		{true, true, false},
		{true, false, false},
		{false, false, false},
	}

	for i, cpu := range samples {
		b.update(cpu)
		require.Equal(t, want[i].high, b.HighWaterLevel(), "tick %d high", i)
		require.Equal(t, want[i].critical, b.CriticalWaterLevel(), "tick %d critical", i)
		require.Equal(t, want[i].dying, b.DyingWaterLevel(), "tick %d dying", i)
	}
}

// Monotonicity: dying implies critical implies high, at every tick of a
// randomized-ish CPU walk.
func TestWaterLevelMonotonic(t *testing.T) {
	b := New(testConfig(), &fixedStat{})

	samples := []float64{10, 99, 99, 50, 96, 20, 88, 88, 77, 100, 0, 0, 0, 91, 76}
	for i, cpu := range samples {
		b.update(cpu)
		if b.DyingWaterLevel() {
			require.True(t, b.CriticalWaterLevel(), "tick %d: dying implies critical", i)
		}
		if b.CriticalWaterLevel() {
			require.True(t, b.HighWaterLevel(), "tick %d: critical implies high", i)
		}
	}
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	b := New(cfg, &fixedStat{})

	for i := 0; i < 5; i++ {
		b.update(100)
		require.False(t, b.HighWaterLevel())
		require.False(t, b.CriticalWaterLevel())
		require.False(t, b.DyingWaterLevel())
	}
}

func TestDyingSaturatesAndResets(t *testing.T) {
	cfg := testConfig()
	cfg.DyingPulse = 3
	b := New(cfg, &fixedStat{})

	// Needs three consecutive over-threshold seconds to trip.
	b.update(99)
	require.False(t, b.DyingWaterLevel())
	b.update(99)
	require.False(t, b.DyingWaterLevel())
	b.update(99)
	require.True(t, b.DyingWaterLevel())

	// One calm second fully resets it.
	b.update(10)
	require.False(t, b.DyingWaterLevel())
}
