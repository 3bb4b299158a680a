package bridge

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/flv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/rtc"
	"github.com/ethan/streamhub/pkg/stream"
)

const (
	naluTypeIDR = 5
	naluTypeSPS = 7
	naluTypePPS = 8
	naluTypeAUD = 9
)

// KeyframeRequester asks the publisher for a fresh keyframe after an
// unrecoverable loss.
type KeyframeRequester interface {
	RequestKeyframe(ssrc uint32, cid coro.ContextId)
}

// FrameBuilder reassembles RTP back into live-domain frames: FU-A
// fragments are stitched by sequence contiguity, a gap across a
// fragmented frame drops it and requests a keyframe, and a completed
// frame is emitted at the marker.
//
// It implements rtc.RtpBridge so an RTC source can install it.
type FrameBuilder struct {
	target    stream.FrameTarget
	requester KeyframeRequester
	cid       coro.ContextId

	// Fragment reassembly state.
	fuBuf     []byte
	fuActive  bool
	lastSeq   uint16
	seqValid  bool
	corrupted bool

	// NAL units of the in-flight frame, until the marker.
	nalus    [][]byte
	frameTs  uint32
	keyframe bool

	sps, pps  []byte
	headerOut bool
}

// NewFrameBuilder creates a builder feeding target. requester may be nil.
func NewFrameBuilder(target stream.FrameTarget, requester KeyframeRequester, cid coro.ContextId) *FrameBuilder {
	return &FrameBuilder{target: target, requester: requester, cid: cid}
}

// Initialize implements rtc.RtpBridge.
func (b *FrameBuilder) Initialize(r *stream.Request) error { return nil }

// OnPublish implements rtc.RtpBridge.
func (b *FrameBuilder) OnPublish() error { return nil }

// OnUnpublish implements rtc.RtpBridge.
func (b *FrameBuilder) OnUnpublish() {
	b.reset()
	b.sps, b.pps = nil, nil
	b.headerOut = false
	b.seqValid = false
}

func (b *FrameBuilder) reset() {
	b.fuBuf = nil
	b.fuActive = false
	b.nalus = nil
	b.keyframe = false
	b.corrupted = false
}

// OnRtp implements rtc.RtpTarget.
func (b *FrameBuilder) OnRtp(pkt *rtp.Packet) error {
	if pkt.PayloadType == audioPayloadType {
		return b.onAudio(pkt)
	}
	return b.onVideo(pkt)
}

func (b *FrameBuilder) onAudio(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	// Passthrough AAC from the peer builder; anything else has no frame
	// representation without a transcoder and is dropped.
	frame := stream.NewMediaPacket(stream.PacketAudio,
		int64(pkt.Timestamp)/(audioClockRate/1000),
		flv.MuxAudioFrame(pkt.Payload))
	return b.target.OnFrame(frame)
}

func (b *FrameBuilder) onVideo(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}

	// Sequence contiguity: a hole inside a fragmented frame poisons it.
	if b.seqValid && pkt.SequenceNumber != b.lastSeq+1 {
		if b.fuActive || len(b.nalus) > 0 {
			logger.Default().DebugCat(logger.DebugNAL, "gap inside frame, dropping",
				"expected", b.lastSeq+1, "got", pkt.SequenceNumber)
			b.reset()
			b.corrupted = true
			if b.requester != nil {
				b.requester.RequestKeyframe(pkt.SSRC, b.cid)
			}
		}
	}
	b.lastSeq = pkt.SequenceNumber
	b.seqValid = true

	naluType := pkt.Payload[0] & 0x1F
	switch naluType {
	case naluTypeStapA:
		if err := b.onStapA(pkt); err != nil {
			return err
		}
	case naluTypeFuA:
		if err := b.onFuA(pkt); err != nil {
			return err
		}
	default:
		b.pushNalu(pkt.Payload, pkt.Timestamp)
	}

	if pkt.Marker {
		return b.emitFrame()
	}
	return nil
}

func (b *FrameBuilder) onStapA(pkt *rtp.Packet) error {
	payload := pkt.Payload[1:]
	for len(payload) >= 2 {
		n := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if n == 0 || n > len(payload) {
			return fmt.Errorf("stap-a length %d exceeds payload", n)
		}
		nalu := payload[:n]
		payload = payload[n:]

		switch nalu[0] & 0x1F {
		case naluTypeSPS:
			b.sps = append([]byte(nil), nalu...)
		case naluTypePPS:
			b.pps = append([]byte(nil), nalu...)
		default:
			b.pushNalu(nalu, pkt.Timestamp)
		}
	}
	return b.maybeEmitSequenceHeader(pkt.Timestamp)
}

func (b *FrameBuilder) onFuA(pkt *rtp.Packet) error {
	if len(pkt.Payload) < 2 {
		return fmt.Errorf("fu-a packet too short")
	}
	indicator, header := pkt.Payload[0], pkt.Payload[1]
	body := pkt.Payload[2:]

	if header&fuStart != 0 {
		nalHeader := (indicator & 0xE0) | (header & 0x1F)
		b.fuBuf = append(b.fuBuf[:0], nalHeader)
		b.fuActive = true
	}
	if !b.fuActive {
		// Mid-fragment without a start, the frame is already lost.
		return nil
	}
	b.fuBuf = append(b.fuBuf, body...)

	if header&fuEnd != 0 {
		nalu := append([]byte(nil), b.fuBuf...)
		b.fuBuf = b.fuBuf[:0]
		b.fuActive = false
		b.pushNalu(nalu, pkt.Timestamp)
	}
	return nil
}

func (b *FrameBuilder) pushNalu(nalu []byte, ts uint32) {
	if b.corrupted {
		// Drop the rest of the damaged frame up to its marker.
		return
	}
	t := nalu[0] & 0x1F
	switch t {
	case naluTypeAUD:
		return
	case naluTypeSPS:
		b.sps = append([]byte(nil), nalu...)
		return
	case naluTypePPS:
		b.pps = append([]byte(nil), nalu...)
		return
	case naluTypeIDR:
		b.keyframe = true
	}
	b.frameTs = ts
	b.nalus = append(b.nalus, append([]byte(nil), nalu...))
}

func (b *FrameBuilder) maybeEmitSequenceHeader(ts uint32) error {
	if b.headerOut || len(b.sps) == 0 || len(b.pps) == 0 {
		return nil
	}
	b.headerOut = true
	frame := stream.NewMediaPacket(stream.PacketVideo,
		int64(ts)/90, flv.MuxVideoSequenceHeader(b.sps, b.pps))
	return b.target.OnFrame(frame)
}

func (b *FrameBuilder) emitFrame() error {
	if b.corrupted {
		// The damaged frame's marker clears the poisoned state; the next
		// frame is assembled normally.
		b.corrupted = false
		b.nalus = nil
		b.keyframe = false
		return nil
	}
	if len(b.nalus) == 0 {
		return nil
	}

	if err := b.maybeEmitSequenceHeader(b.frameTs); err != nil {
		return err
	}

	avcc := flv.JoinNALUs(b.nalus)
	frame := stream.NewMediaPacket(stream.PacketVideo,
		int64(b.frameTs)/90, flv.MuxVideoFrame(avcc, b.keyframe, 0))

	b.nalus = nil
	b.keyframe = false
	return b.target.OnFrame(frame)
}

// RtcToFrameBridge installs a FrameBuilder in front of a live source and
// forwards the publish lifecycle to it.
type RtcToFrameBridge struct {
	source  *stream.LiveSource
	builder *FrameBuilder
	cid     coro.ContextId
}

// NewRtcToFrameBridge creates the RTC→live bridge.
func NewRtcToFrameBridge(source *stream.LiveSource, requester KeyframeRequester, cid coro.ContextId) *RtcToFrameBridge {
	return &RtcToFrameBridge{
		source:  source,
		builder: NewFrameBuilder(source, requester, cid),
		cid:     cid,
	}
}

// Initialize implements rtc.RtpBridge.
func (b *RtcToFrameBridge) Initialize(r *stream.Request) error {
	return b.builder.Initialize(r)
}

// OnPublish implements rtc.RtpBridge.
func (b *RtcToFrameBridge) OnPublish() error {
	if err := b.source.OnPublish(b.cid); err != nil {
		return fmt.Errorf("live source publish: %w", err)
	}
	return b.builder.OnPublish()
}

// OnUnpublish implements rtc.RtpBridge.
func (b *RtcToFrameBridge) OnUnpublish() {
	b.builder.OnUnpublish()
	b.source.OnUnpublish()
}

// OnRtp implements rtc.RtpTarget.
func (b *RtcToFrameBridge) OnRtp(pkt *rtp.Packet) error {
	return b.builder.OnRtp(pkt)
}

// Interface checks.
var (
	_ stream.Bridge = (*Composite)(nil)
	_ stream.Bridge = (*RtpBuilder)(nil)
	_ stream.Bridge = (*FrameToRtcBridge)(nil)
	_ rtc.RtpBridge = (*FrameBuilder)(nil)
	_ rtc.RtpBridge = (*RtcToFrameBridge)(nil)
)
