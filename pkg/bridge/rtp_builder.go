package bridge

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/pion/rtp"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/flv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/rtc"
	"github.com/ethan/streamhub/pkg/stream"
)

// RTP payload constants for the H.264 profile.
const (
	naluTypeStapA = 24
	naluTypeFuA   = 28

	fuStart = 0x80
	fuEnd   = 0x40

	// Safe MTU leaving room for SRTP auth tags.
	rtpMTU = 1200

	videoPayloadType = 96
	audioPayloadType = 111

	videoClockRate = 90000
	// Audio RTP timestamps use the Opus clock even for passthrough AAC so
	// both directions agree on the timebase.
	audioClockRate = 48000
)

// RtpBuilder converts live-domain frames into RTP packets for an RTC
// source: STAP-A for coalesced SPS+PPS, FU-A for NAL units beyond the
// MTU, single-NALU otherwise. Sequence numbers advance monotonically per
// track and the last packet of each frame carries the marker bit.
//
// It implements stream.Bridge so a live source can install it directly.
type RtpBuilder struct {
	target rtc.RtpTarget

	videoSSRC uint32
	audioSSRC uint32
	videoSeq  uint16
	audioSeq  uint16

	sps []byte
	pps []byte

	// The audio transcoder is optional; without one AAC passes through
	// unchanged on its own payload type.
	audioWarned bool
}

// NewRtpBuilder creates a builder feeding target.
func NewRtpBuilder(target rtc.RtpTarget) *RtpBuilder {
	return &RtpBuilder{
		target:    target,
		videoSSRC: rand.Uint32(),
		audioSSRC: rand.Uint32(),
		videoSeq:  uint16(rand.Uint32()),
		audioSeq:  uint16(rand.Uint32()),
	}
}

// Initialize implements stream.Bridge.
func (b *RtpBuilder) Initialize(r *stream.Request) error { return nil }

// OnPublish implements stream.Bridge.
func (b *RtpBuilder) OnPublish() error { return nil }

// OnUnpublish implements stream.Bridge.
func (b *RtpBuilder) OnUnpublish() {
	b.sps, b.pps = nil, nil
}

// VideoSeq exposes the next video sequence, for tests.
func (b *RtpBuilder) VideoSeq() uint16 { return b.videoSeq }

// OnFrame implements stream.FrameTarget.
func (b *RtpBuilder) OnFrame(pkt *stream.MediaPacket) error {
	switch {
	case pkt.IsVideoSequenceHeader():
		return b.onVideoSequenceHeader(pkt)
	case pkt.IsVideo():
		return b.onVideoFrame(pkt)
	case pkt.IsAudioSequenceHeader():
		// The decoder config never crosses as RTP; receivers derive the
		// config from the bitstream.
		return nil
	case pkt.IsAudio():
		return b.onAudioFrame(pkt)
	default:
		return nil
	}
}

func (b *RtpBuilder) onVideoSequenceHeader(pkt *stream.MediaPacket) error {
	if len(pkt.Payload) < 5 {
		return fmt.Errorf("video sequence header too short: %d", len(pkt.Payload))
	}
	spsList, ppsList, err := flv.ParseAVCDecoderConfig(pkt.Payload[5:])
	if err != nil {
		return fmt.Errorf("parse avc config: %w", err)
	}
	if len(spsList) == 0 || len(ppsList) == 0 {
		return fmt.Errorf("avc config missing sps or pps")
	}
	b.sps, b.pps = spsList[0], ppsList[0]

	// One STAP-A aggregating SPS then PPS, length-prefixed, marker set.
	payload := make([]byte, 0, 1+4+len(b.sps)+len(b.pps))
	payload = append(payload, (b.sps[0]&0x60)|naluTypeStapA)
	for _, nalu := range [][]byte{b.sps, b.pps} {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(nalu)))
		payload = append(payload, l[:]...)
		payload = append(payload, nalu...)
	}

	return b.emitVideo(payload, uint32(pkt.Timestamp)*90, true)
}

func (b *RtpBuilder) onVideoFrame(pkt *stream.MediaPacket) error {
	if len(pkt.Payload) < 5 {
		return nil
	}
	cts := flv.CompositionTime(pkt.Payload)
	nalus, err := flv.SplitNALUs(pkt.Payload[5:])
	if err != nil {
		return fmt.Errorf("split avcc: %w", err)
	}

	// RTP timestamps carry presentation time on the 90kHz clock.
	ts := uint32(pkt.Timestamp+int64(cts)) * 90

	for i, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		last := i == len(nalus)-1

		if len(nalu) <= rtpMTU {
			if err := b.emitVideo(nalu, ts, last); err != nil {
				return err
			}
			continue
		}

		// FU-A fragmentation: indicator keeps the NRI bits, the header
		// carries S/E and the original type.
		indicator := (nalu[0] & 0xE0) | naluTypeFuA
		naluType := nalu[0] & 0x1F
		body := nalu[1:]

		for off := 0; off < len(body); off += rtpMTU - 2 {
			end := off + rtpMTU - 2
			if end > len(body) {
				end = len(body)
			}

			header := naluType
			if off == 0 {
				header |= fuStart
			}
			if end == len(body) {
				header |= fuEnd
			}

			payload := make([]byte, 0, 2+end-off)
			payload = append(payload, indicator, header)
			payload = append(payload, body[off:end]...)

			marker := last && end == len(body)
			if err := b.emitVideo(payload, ts, marker); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *RtpBuilder) onAudioFrame(pkt *stream.MediaPacket) error {
	if len(pkt.Payload) < 2 {
		return nil
	}
	if !b.audioWarned {
		b.audioWarned = true
		logger.Default().Info("rtc audio passthrough, no transcoder configured")
	}

	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    audioPayloadType,
			SequenceNumber: b.audioSeq,
			Timestamp:      uint32(pkt.Timestamp) * (audioClockRate / 1000),
			SSRC:           b.audioSSRC,
			Marker:         true,
		},
		Payload: append([]byte(nil), pkt.Payload[2:]...),
	}
	b.audioSeq++
	return b.target.OnRtp(p)
}

func (b *RtpBuilder) emitVideo(payload []byte, ts uint32, marker bool) error {
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    videoPayloadType,
			SequenceNumber: b.videoSeq,
			Timestamp:      ts,
			SSRC:           b.videoSSRC,
			Marker:         marker,
		},
		Payload: payload,
	}
	b.videoSeq++
	return b.target.OnRtp(p)
}

// FrameToRtcBridge installs an RtpBuilder in front of an RTC source and
// forwards the publish lifecycle to it.
type FrameToRtcBridge struct {
	source  *rtc.Source
	builder *RtpBuilder
	cid     coro.ContextId
}

// NewFrameToRtcBridge creates the live→RTC bridge.
func NewFrameToRtcBridge(source *rtc.Source, cid coro.ContextId) *FrameToRtcBridge {
	return &FrameToRtcBridge{
		source:  source,
		builder: NewRtpBuilder(source),
		cid:     cid,
	}
}

// Initialize implements stream.Bridge.
func (b *FrameToRtcBridge) Initialize(r *stream.Request) error {
	return b.builder.Initialize(r)
}

// OnPublish implements stream.Bridge.
func (b *FrameToRtcBridge) OnPublish() error {
	if err := b.source.OnPublish(b.cid); err != nil {
		return fmt.Errorf("rtc source publish: %w", err)
	}
	return b.builder.OnPublish()
}

// OnUnpublish implements stream.Bridge.
func (b *FrameToRtcBridge) OnUnpublish() {
	b.builder.OnUnpublish()
	b.source.OnUnpublish()
}

// OnFrame implements stream.FrameTarget.
func (b *FrameToRtcBridge) OnFrame(pkt *stream.MediaPacket) error {
	return b.builder.OnFrame(pkt)
}
