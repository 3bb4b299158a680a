package rtc

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/streamhub/pkg/kbps"
)

// RecvTrack accounts one inbound RTP track: loss detection via the nack
// ring plus receive statistics. It is touched only from the owning
// connection's coroutine and its 20ms timer callback, serialized by mu.
type RecvTrack struct {
	ssrc  uint32
	kind  webrtc.RTPCodecType
	clock uint32

	mu       sync.Mutex
	ring     *NackRing
	lastRtp  time.Time
	received *kbps.Pps
}

// NewRecvTrack creates track bookkeeping for an inbound ssrc.
func NewRecvTrack(ssrc uint32, kind webrtc.RTPCodecType, clockRate uint32, opts NackOptions) *RecvTrack {
	return &RecvTrack{
		ssrc:     ssrc,
		kind:     kind,
		clock:    clockRate,
		ring:     NewNackRing(opts),
		received: kbps.NewPps(nil),
	}
}

// SSRC returns the track ssrc.
func (t *RecvTrack) SSRC() uint32 { return t.ssrc }

// Kind returns audio or video.
func (t *RecvTrack) Kind() webrtc.RTPCodecType { return t.kind }

// OnRtp accounts one received packet.
func (t *RecvTrack) OnRtp(pkt *rtp.Packet, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring.OnReceived(pkt.SequenceNumber, now)
	t.lastRtp = now
	t.received.Incr(1)
}

// DueForNack drains the sequences to request now.
func (t *RecvTrack) DueForNack(now time.Time) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.DueForNack(now)
}

// Abandoned drains the sequences given up on; any entry means the caller
// should request a keyframe.
func (t *RecvTrack) Abandoned(now time.Time) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Abandoned(now)
}

// Missing snapshots the tracked losses, for diagnostics and tests.
func (t *RecvTrack) Missing() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Missing()
}

// RtpWriter is where a send track puts its packets; satisfied by
// *webrtc.TrackLocalStaticRTP.
type RtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// SendTrack serializes outbound packets for one ssrc: it owns the
// sequence space and the marker policy. Video honors the marker decided by
// the bridge; audio marks every packet as end of frame.
type SendTrack struct {
	ssrc        uint32
	payloadType uint8
	audio       bool
	writer      RtpWriter

	mu  sync.Mutex
	seq uint16
}

// NewSendTrack creates a sender over the given writer.
func NewSendTrack(ssrc uint32, payloadType uint8, audio bool, writer RtpWriter) *SendTrack {
	return &SendTrack{ssrc: ssrc, payloadType: payloadType, audio: audio, writer: writer}
}

// SSRC returns the track ssrc.
func (t *SendTrack) SSRC() uint32 { return t.ssrc }

// Write stamps ssrc, payload type and sequence onto pkt and sends it.
func (t *SendTrack) Write(pkt *rtp.Packet) error {
	t.mu.Lock()
	pkt.SSRC = t.ssrc
	pkt.PayloadType = t.payloadType
	pkt.SequenceNumber = t.seq
	t.seq++
	if t.audio {
		pkt.Marker = true
	}
	t.mu.Unlock()

	if err := t.writer.WriteRTP(pkt); err != nil {
		if err == io.ErrClosedPipe {
			// Track closed under us; the connection is unwinding.
			return nil
		}
		return fmt.Errorf("write rtp seq=%d: %w", pkt.SequenceNumber, err)
	}
	return nil
}

// Seq returns the next sequence to be assigned.
func (t *SendTrack) Seq() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}
