// Package hls implements segmented delivery: on-disk fragments, the
// sliding fragment window, the TS segment muxer and the per-session
// virtual connections.
package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxDtsMs caps the accepted DTS; beyond it the value is treated as
// corrupt and reset to zero, like negative input.
const maxDtsMs = int64(0x7FFFFFFFFFFFFFFF) / int64(time.Millisecond)

// Fragment is one on-disk media segment. It accumulates duration from DTS
// deltas and commits by renaming its temp file to the final path.
type Fragment struct {
	dur      time.Duration
	startDts time.Duration
	started  bool

	seqHeader bool
	number    uint64
	path      string
}

// NewFragment creates an empty fragment.
func NewFragment() *Fragment { return &Fragment{} }

// Append accounts one DTS in milliseconds. Negative or overflowed values
// reset to zero.
func (f *Fragment) Append(dtsMs int64) {
	if dtsMs < 0 || dtsMs > maxDtsMs {
		dtsMs = 0
	}
	dts := time.Duration(dtsMs) * time.Millisecond

	if !f.started {
		f.startDts = dts
		f.started = true
	}

	// TODO: a cumulative DTS would avoid shifting start backwards on
	// out-of-order input.
	end := f.startDts + f.dur
	if dts > end {
		end = dts
	}
	if dts < f.startDts {
		f.startDts = dts
	}
	f.dur = end - f.startDts
}

// Duration is the largest accounted DTS minus the smallest, never negative.
func (f *Fragment) Duration() time.Duration { return f.dur }

// StartDts returns the first accounted DTS.
func (f *Fragment) StartDts() time.Duration { return f.startDts }

// IsSequenceHeader reports whether the fragment carries a sequence header.
func (f *Fragment) IsSequenceHeader() bool { return f.seqHeader }

// SetSequenceHeader marks the fragment as carrying a sequence header.
func (f *Fragment) SetSequenceHeader(v bool) { f.seqHeader = v }

// Number returns the segment number.
func (f *Fragment) Number() uint64 { return f.number }

// SetNumber assigns the monotonically increasing segment number.
func (f *Fragment) SetNumber(n uint64) { f.number = n }

// Fullpath returns the final path.
func (f *Fragment) Fullpath() string { return f.path }

// SetPath sets the final path template; it may contain a [duration]
// token substituted at rename time.
func (f *Fragment) SetPath(p string) { f.path = p }

// TmpPath is where the fragment is written before commit.
func (f *Fragment) TmpPath() string { return f.path + ".tmp" }

// CreateDir ensures the segment directory exists.
func (f *Fragment) CreateDir() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create segment dir %s: %w", dir, err)
	}
	return nil
}

// UnlinkFile removes the committed file.
func (f *Fragment) UnlinkFile() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink %s: %w", f.path, err)
	}
	return nil
}

// UnlinkTmpfile removes the uncommitted temp file.
func (f *Fragment) UnlinkTmpfile() error {
	if err := os.Remove(f.TmpPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink tmp %s: %w", f.TmpPath(), err)
	}
	return nil
}

// Rename commits the fragment: any [duration] token in the path template
// is replaced with the integer milliseconds, then temp moves to final.
func (f *Fragment) Rename() error {
	full := f.path
	durMs := int64(f.dur / time.Millisecond)
	full = strings.ReplaceAll(full, "[duration]", strconv.FormatInt(durMs, 10))

	if err := os.Rename(f.TmpPath(), full); err != nil {
		return fmt.Errorf("rename %s to %s: %w", f.TmpPath(), full, err)
	}
	f.path = full
	return nil
}
