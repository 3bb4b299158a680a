package bridge

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/flv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/mpegts"
	"github.com/ethan/streamhub/pkg/stream"
)

// SrtFrameBuilder demultiplexes MPEG-TS and emits live-domain frames:
// Annex-B video is split on start codes, SPS+PPS compose the AVC sequence
// header, ADTS audio becomes AAC frames behind an AudioSpecificConfig,
// and DTS/PTS come from the PES headers.
type SrtFrameBuilder struct {
	target stream.FrameTarget
	demux  *mpegts.Demuxer
	cid    coro.ContextId

	sps, pps    []byte
	videoHdrOut bool

	audioConfig *mpeg4audio.Config
	audioHdrOut bool
}

// NewSrtFrameBuilder creates a builder feeding target.
func NewSrtFrameBuilder(target stream.FrameTarget, cid coro.ContextId) *SrtFrameBuilder {
	b := &SrtFrameBuilder{target: target, cid: cid}
	b.demux = mpegts.NewDemuxer()
	b.demux.OnPES = b.onPES
	return b
}

// Initialize implements stream bridge initialization.
func (b *SrtFrameBuilder) Initialize(r *stream.Request) error { return nil }

// OnPublish resets per-session state.
func (b *SrtFrameBuilder) OnPublish() error {
	b.sps, b.pps = nil, nil
	b.videoHdrOut, b.audioHdrOut = false, false
	b.audioConfig = nil
	return nil
}

// OnUnpublish flushes any buffered elementary streams.
func (b *SrtFrameBuilder) OnUnpublish() {
	if err := b.demux.Flush(); err != nil {
		logger.Default().DebugCat(logger.DebugSRT, "flush on unpublish", "err", err)
	}
}

// OnTS feeds raw transport-stream cells from the SRT connection.
func (b *SrtFrameBuilder) OnTS(buf []byte) error {
	return b.demux.Feed(buf)
}

func (b *SrtFrameBuilder) onPES(pes *mpegts.PES) error {
	switch pes.StreamType {
	case mpegts.StreamTypeH264:
		return b.onVideoPES(pes)
	case mpegts.StreamTypeAAC:
		return b.onAudioPES(pes)
	default:
		// MP3 and private streams are dropped; only AVC+AAC cross.
		return nil
	}
}

func (b *SrtFrameBuilder) onVideoPES(pes *mpegts.PES) error {
	nalus := splitAnnexB(pes.Payload)
	if len(nalus) == 0 {
		return nil
	}

	keyframe := false
	frame := make([][]byte, 0, len(nalus))

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case naluTypeSPS:
			b.sps = append([]byte(nil), nalu...)
		case naluTypePPS:
			b.pps = append([]byte(nil), nalu...)
		case naluTypeAUD:
			// Access unit delimiters never cross domains.
		case naluTypeIDR:
			keyframe = true
			frame = append(frame, nalu)
		default:
			frame = append(frame, nalu)
		}
	}

	dts := pes.Dts / 90
	cts := int32((pes.Pts - pes.Dts) / 90)

	// Compose the sequence header once both parameter sets are known.
	if !b.videoHdrOut && len(b.sps) > 0 && len(b.pps) > 0 {
		b.videoHdrOut = true
		hdr := stream.NewMediaPacket(stream.PacketVideo, dts,
			flv.MuxVideoSequenceHeader(b.sps, b.pps))
		if err := b.target.OnFrame(hdr); err != nil {
			return fmt.Errorf("emit video sequence header: %w", err)
		}
	}

	if len(frame) == 0 {
		return nil
	}
	if !b.videoHdrOut {
		// No decoder config yet; a player could not decode this frame.
		return nil
	}

	pkt := stream.NewMediaPacket(stream.PacketVideo, dts,
		flv.MuxVideoFrame(flv.JoinNALUs(frame), keyframe, cts))
	return b.target.OnFrame(pkt)
}

func (b *SrtFrameBuilder) onAudioPES(pes *mpegts.PES) error {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(pes.Payload); err != nil {
		return fmt.Errorf("parse adts: %w", err)
	}

	pts := pes.Pts / 90
	for i, adts := range pkts {
		if !b.audioHdrOut {
			b.audioConfig = &mpeg4audio.Config{
				Type:         adts.Type,
				SampleRate:   adts.SampleRate,
				ChannelCount: adts.ChannelCount,
			}
			asc, err := b.audioConfig.Marshal()
			if err != nil {
				return fmt.Errorf("marshal audio config: %w", err)
			}
			b.audioHdrOut = true
			hdr := stream.NewMediaPacket(stream.PacketAudio, pts,
				flv.MuxAudioSequenceHeader(asc))
			if err := b.target.OnFrame(hdr); err != nil {
				return fmt.Errorf("emit audio sequence header: %w", err)
			}
		}

		// 1024 samples per AAC frame.
		ts := pts + int64(i)*1024*1000/int64(adts.SampleRate)
		pkt := stream.NewMediaPacket(stream.PacketAudio, ts,
			flv.MuxAudioFrame(adts.AU))
		if err := b.target.OnFrame(pkt); err != nil {
			return fmt.Errorf("emit audio frame: %w", err)
		}
	}
	return nil
}

// splitAnnexB splits an elementary stream on 00 00 01 / 00 00 00 01
// start codes.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			end := i
			// A 4-byte start code owns its leading zero.
			if end > 0 && data[end-1] == 0 {
				end--
			}
			if start >= 0 && end > start {
				nalus = append(nalus, data[start:end])
			}
			start = i + 3
			i += 3
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}
