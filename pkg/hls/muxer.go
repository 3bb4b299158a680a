package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/flv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/mpegts"
	"github.com/ethan/streamhub/pkg/stream"
)

// Muxer segments one live stream into rotating TS files plus an M3U8
// playlist. It implements stream.Bridge so the source feeds it frames
// synchronously; segment reap therefore runs on the publisher's callback
// under mu. The session sweeper never touches the muxer or takes mu.
type Muxer struct {
	req *stream.Request
	cfg config.HLSConfig

	mu      sync.Mutex
	window  *FragmentWindow
	current *Fragment
	file    *os.File
	ts      *mpegts.Muxer
	seqNo   uint64

	sps, pps []byte
	audioCfg *mpeg4audio.Config

	publishing bool
}

// NewMuxer creates a muxer for one stream.
func NewMuxer(req *stream.Request, cfg config.HLSConfig) *Muxer {
	return &Muxer{
		req:    req.Copy(),
		cfg:    cfg,
		window: NewFragmentWindow(),
	}
}

// Initialize implements stream.Bridge.
func (m *Muxer) Initialize(r *stream.Request) error { return nil }

// OnPublish implements stream.Bridge.
func (m *Muxer) OnPublish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishing = true
	m.sps, m.pps = nil, nil
	m.audioCfg = nil
	return nil
}

// OnUnpublish commits the open segment and rewrites the playlist.
func (m *Muxer) OnUnpublish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishing = false
	if err := m.closeSegment(); err != nil {
		logger.Warn("hls close segment on unpublish", "err", err)
	}
	if err := m.writePlaylist(); err != nil {
		logger.Warn("hls playlist on unpublish", "err", err)
	}
}

// OnFrame implements stream.FrameTarget.
func (m *Muxer) OnFrame(pkt *stream.MediaPacket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.publishing {
		return nil
	}

	switch {
	case pkt.IsVideoSequenceHeader():
		spsList, ppsList, err := flv.ParseAVCDecoderConfig(pkt.Payload[5:])
		if err != nil {
			return fmt.Errorf("hls parse avc config: %w", err)
		}
		if len(spsList) > 0 {
			m.sps = spsList[0]
		}
		if len(ppsList) > 0 {
			m.pps = ppsList[0]
		}
		if m.current != nil {
			m.current.SetSequenceHeader(true)
		}
		return nil

	case pkt.IsAudioSequenceHeader():
		var cfg mpeg4audio.Config
		if err := cfg.Unmarshal(pkt.Payload[2:]); err != nil {
			return fmt.Errorf("hls parse audio config: %w", err)
		}
		m.audioCfg = &cfg
		return nil

	case pkt.IsVideo():
		return m.onVideo(pkt)

	case pkt.IsAudio():
		return m.onAudio(pkt)
	}
	return nil
}

func (m *Muxer) onVideo(pkt *stream.MediaPacket) error {
	if len(pkt.Payload) < 5 || len(m.sps) == 0 {
		return nil
	}
	keyframe := pkt.IsKeyframe()

	// Rotate at a keyframe once the fragment target is reached. Closing
	// the current segment and opening the next happen together under mu,
	// so no other muxer call observes the gap.
	if m.current != nil && keyframe && m.current.Duration() >= m.cfg.FragmentSecs {
		if err := m.reapSegment(); err != nil {
			return err
		}
	}
	if m.current == nil && keyframe {
		if err := m.openSegment(pkt.Timestamp); err != nil {
			return err
		}
	}
	if m.current == nil {
		// Nothing is written until the first keyframe opens a segment.
		return nil
	}

	nalus, err := flv.SplitNALUs(pkt.Payload[5:])
	if err != nil {
		return fmt.Errorf("hls split avcc: %w", err)
	}

	// Annex-B with parameter sets refreshed ahead of every keyframe.
	var es []byte
	es = append(es, 0, 0, 0, 1, 0x09, 0xF0) // access unit delimiter
	if keyframe {
		es = appendAnnexB(es, m.sps)
		es = appendAnnexB(es, m.pps)
	}
	for _, nalu := range nalus {
		es = appendAnnexB(es, nalu)
	}

	cts := flv.CompositionTime(pkt.Payload)
	dts := pkt.Timestamp * 90
	pts := (pkt.Timestamp + int64(cts)) * 90

	m.current.Append(pkt.Timestamp)
	return m.ts.WritePES(mpegts.PidVideo, 0xE0, es, pts, dts, keyframe)
}

func (m *Muxer) onAudio(pkt *stream.MediaPacket) error {
	if len(pkt.Payload) < 2 || m.audioCfg == nil {
		return nil
	}
	if m.current == nil {
		// Audio-only until the first keyframe opens a segment.
		return nil
	}

	adts := mpeg4audio.ADTSPackets{{
		Type:         m.audioCfg.Type,
		SampleRate:   m.audioCfg.SampleRate,
		ChannelCount: m.audioCfg.ChannelCount,
		AU:           pkt.Payload[2:],
	}}
	buf, err := adts.Marshal()
	if err != nil {
		return fmt.Errorf("hls adts marshal: %w", err)
	}

	pts := pkt.Timestamp * 90
	m.current.Append(pkt.Timestamp)
	return m.ts.WritePES(mpegts.PidAudio, 0xC0, buf, pts, pts, false)
}

func appendAnnexB(es, nalu []byte) []byte {
	es = append(es, 0, 0, 0, 1)
	return append(es, nalu...)
}

// openSegment starts fragment number seqNo.
func (m *Muxer) openSegment(dtsMs int64) error {
	f := NewFragment()
	f.SetNumber(m.seqNo)
	m.seqNo++
	f.SetPath(filepath.Join(m.cfg.Path, m.req.App,
		fmt.Sprintf("%s-%d.ts", m.req.Stream, f.Number())))
	if err := f.CreateDir(); err != nil {
		return err
	}

	file, err := os.Create(f.TmpPath())
	if err != nil {
		return fmt.Errorf("create segment %s: %w", f.TmpPath(), err)
	}

	m.current = f
	m.file = file
	m.ts = mpegts.NewMuxer(file)
	if err := m.ts.WritePSI(); err != nil {
		return err
	}
	f.Append(dtsMs)

	logger.Default().DebugCat(logger.DebugHLS, "hls open segment",
		"url", m.req.StreamURL(), "number", f.Number(), "path", f.TmpPath())
	return nil
}

// closeSegment commits the current fragment into the window.
func (m *Muxer) closeSegment() error {
	if m.current == nil {
		return nil
	}
	f := m.current
	m.current = nil
	m.ts = nil

	if err := m.file.Close(); err != nil {
		return fmt.Errorf("close segment file: %w", err)
	}
	m.file = nil

	if err := f.Rename(); err != nil {
		return err
	}
	m.window.Append(f)
	return nil
}

// reapSegment closes the current segment, rotates the window and rewrites
// the playlist.
func (m *Muxer) reapSegment() error {
	if err := m.closeSegment(); err != nil {
		return err
	}
	m.window.Shrink(m.cfg.WindowSecs)
	m.window.ClearExpired(true)
	return m.writePlaylist()
}

// writePlaylist renders the M3U8 and swaps it in atomically.
func (m *Muxer) writePlaylist() error {
	if m.window.Empty() {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")

	target := int64(m.window.MaxDuration()/time.Second) + 1
	fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&sb, "#EXT-X-MEDIA-SEQUENCE:%d\n", m.window.First().Number())

	for i := 0; i < m.window.Size(); i++ {
		f := m.window.At(i)
		fmt.Fprintf(&sb, "#EXTINF:%.3f,\n", f.Duration().Seconds())
		fmt.Fprintf(&sb, "%s\n", filepath.Base(f.Fullpath()))
	}

	path := filepath.Join(m.cfg.Path, m.req.App, m.req.Stream+".m3u8")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit playlist: %w", err)
	}
	return nil
}

// Window exposes the fragment window, for tests.
func (m *Muxer) Window() *FragmentWindow {
	return m.window
}

// Dispose removes every segment file.
func (m *Muxer) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		m.file.Close()
		m.current.UnlinkTmpfile()
		m.current = nil
		m.file = nil
	}
	m.window.Dispose()
}
