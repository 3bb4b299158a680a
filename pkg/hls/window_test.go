package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func committedFragment(t *testing.T, dir string, n uint64, dur time.Duration) *Fragment {
	t.Helper()
	f := NewFragment()
	f.SetNumber(n)
	f.SetPath(filepath.Join(dir, fmt.Sprintf("frag-%d.ts", n)))
	f.Append(0)
	f.Append(int64(dur / time.Millisecond))
	require.NoError(t, os.WriteFile(f.Fullpath(), []byte("seg"), 0644))
	return f
}

// The S3 scenario: window 6s, four 3s fragments; the oldest two expire
// and clear_expired deletes their files.
func TestWindowRotation(t *testing.T) {
	dir := t.TempDir()
	w := NewFragmentWindow()

	frags := make([]*Fragment, 0, 4)
	for i := 0; i < 4; i++ {
		f := committedFragment(t, dir, uint64(i), 3*time.Second)
		frags = append(frags, f)
		w.Append(f)
	}

	w.Shrink(6 * time.Second)

	require.Equal(t, 2, w.Size())
	require.Equal(t, 2, w.ExpiredSize())
	require.Equal(t, uint64(2), w.First().Number())

	w.ClearExpired(true)
	require.Zero(t, w.ExpiredSize())

	for i, f := range frags {
		_, err := os.Stat(f.Fullpath())
		if i < 2 {
			require.True(t, os.IsNotExist(err), "fragment %d should be deleted", i)
		} else {
			require.NoError(t, err, "fragment %d should survive", i)
		}
	}
}

func TestWindowShrinkKeepsEverythingInsideWindow(t *testing.T) {
	dir := t.TempDir()
	w := NewFragmentWindow()
	for i := 0; i < 3; i++ {
		w.Append(committedFragment(t, dir, uint64(i), time.Second))
	}

	w.Shrink(30 * time.Second)
	require.Equal(t, 3, w.Size())
	require.Zero(t, w.ExpiredSize())
}

func TestWindowMaxDuration(t *testing.T) {
	dir := t.TempDir()
	w := NewFragmentWindow()
	w.Append(committedFragment(t, dir, 0, 2*time.Second))
	w.Append(committedFragment(t, dir, 1, 5*time.Second))
	w.Append(committedFragment(t, dir, 2, 3*time.Second))

	require.Equal(t, 5*time.Second, w.MaxDuration())
}

func TestWindowDisposeDeletesAll(t *testing.T) {
	dir := t.TempDir()
	w := NewFragmentWindow()
	f := committedFragment(t, dir, 0, time.Second)
	w.Append(f)
	w.Dispose()

	require.True(t, w.Empty())
	_, err := os.Stat(f.Fullpath())
	require.True(t, os.IsNotExist(err))
}
