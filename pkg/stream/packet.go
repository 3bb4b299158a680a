package stream

import (
	"github.com/ethan/streamhub/pkg/flv"
)

// PacketType classifies a media packet.
type PacketType uint8

// Packet types.
const (
	PacketAudio PacketType = iota
	PacketVideo
	PacketMetadata
	PacketAggregate
)

func (t PacketType) String() string {
	switch t {
	case PacketAudio:
		return "audio"
	case PacketVideo:
		return "video"
	case PacketMetadata:
		return "metadata"
	case PacketAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// MediaPacket is a frame shared by reference across every consumer queue
// and bridge. The payload is immutable once shared; holders must never
// mutate it.
type MediaPacket struct {
	Type PacketType
	// Timestamp in milliseconds, monotonically non-decreasing within a
	// publish session.
	Timestamp int64
	// Payload is the FLV tag body for audio/video, AMF0 for metadata.
	Payload []byte
}

// NewMediaPacket builds a packet taking ownership of payload.
func NewMediaPacket(t PacketType, timestamp int64, payload []byte) *MediaPacket {
	return &MediaPacket{Type: t, Timestamp: timestamp, Payload: payload}
}

// Share returns a reference to the same payload; the runtime garbage
// collector stands in for the refcount.
func (p *MediaPacket) Share() *MediaPacket {
	c := *p
	return &c
}

// IsAV reports whether the packet is audio or video.
func (p *MediaPacket) IsAV() bool { return p.Type == PacketAudio || p.Type == PacketVideo }

// IsVideo reports whether the packet is video.
func (p *MediaPacket) IsVideo() bool { return p.Type == PacketVideo }

// IsAudio reports whether the packet is audio.
func (p *MediaPacket) IsAudio() bool { return p.Type == PacketAudio }

// IsMetadata reports whether the packet is script data.
func (p *MediaPacket) IsMetadata() bool { return p.Type == PacketMetadata }

// IsVideoSequenceHeader reports an AVC decoder configuration record.
func (p *MediaPacket) IsVideoSequenceHeader() bool {
	return p.Type == PacketVideo && flv.IsVideoSequenceHeader(p.Payload)
}

// IsAudioSequenceHeader reports an AAC AudioSpecificConfig.
func (p *MediaPacket) IsAudioSequenceHeader() bool {
	return p.Type == PacketAudio && flv.IsAudioSequenceHeader(p.Payload)
}

// IsKeyframe reports a video keyframe, sequence headers included.
func (p *MediaPacket) IsKeyframe() bool {
	return p.Type == PacketVideo && flv.IsKeyframe(p.Payload)
}
