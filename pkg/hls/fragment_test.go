package hls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFragmentDuration(t *testing.T) {
	f := NewFragment()
	require.Zero(t, f.Duration())

	f.Append(100)
	require.Zero(t, f.Duration())

	f.Append(400)
	require.Equal(t, 300*time.Millisecond, f.Duration())

	// Out-of-order input shifts the start backwards.
	f.Append(50)
	require.Equal(t, 350*time.Millisecond, f.Duration())
}

func TestFragmentDurationIsMaxMinusMin(t *testing.T) {
	cases := []struct {
		name string
		dts  []int64
		want time.Duration
	}{
		{"ascending", []int64{0, 40, 80, 120}, 120 * time.Millisecond},
		{"unordered", []int64{40, 0, 120, 80}, 120 * time.Millisecond},
		{"single", []int64{77}, 0},
		{"negative reset", []int64{-5, 30}, 30 * time.Millisecond},
		{"overflow reset", []int64{int64(1) << 62, 30}, 30 * time.Millisecond},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFragment()
			for _, d := range tc.dts {
				f.Append(d)
			}
			require.Equal(t, tc.want, f.Duration())
		})
	}
}

func TestFragmentRenameSubstitutesDuration(t *testing.T) {
	dir := t.TempDir()
	f := NewFragment()
	f.SetPath(filepath.Join(dir, "seg-[duration].ts"))
	f.Append(0)
	f.Append(2500)

	require.NoError(t, os.WriteFile(f.TmpPath(), []byte("x"), 0644))
	require.NoError(t, f.Rename())

	want := filepath.Join(dir, "seg-2500.ts")
	require.Equal(t, want, f.Fullpath())
	_, err := os.Stat(want)
	require.NoError(t, err)
}

func TestFragmentSequenceHeaderFlag(t *testing.T) {
	f := NewFragment()
	require.False(t, f.IsSequenceHeader())
	f.SetSequenceHeader(true)
	require.True(t, f.IsSequenceHeader())
}
