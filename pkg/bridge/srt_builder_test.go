package bridge

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/require"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/flv"
	"github.com/ethan/streamhub/pkg/mpegts"
	"github.com/ethan/streamhub/pkg/stream"
)

func TestSplitAnnexB(t *testing.T) {
	es := []byte{
		0, 0, 0, 1, 0x67, 0xAA,
		0, 0, 1, 0x68, 0xBB,
		0, 0, 0, 1, 0x65, 1, 2, 3,
	}
	nalus := splitAnnexB(es)
	require.Equal(t, [][]byte{
		{0x67, 0xAA},
		{0x68, 0xBB},
		{0x65, 1, 2, 3},
	}, nalus)
}

func TestSplitAnnexBNoStartCode(t *testing.T) {
	require.Empty(t, splitAnnexB([]byte{1, 2, 3}))
}

// End-to-end: an MPEG-TS elementary stream through the demuxing builder
// yields the sequence header then decodable frames.
func TestSrtFrameBuilderVideo(t *testing.T) {
	frames := &frameSink{}
	b := NewSrtFrameBuilder(frames, coro.NewContextId())
	require.NoError(t, b.OnPublish())

	var ts bytes.Buffer
	mux := mpegts.NewMuxer(&ts)

	// Keyframe access unit: SPS+PPS+IDR in Annex-B.
	var es []byte
	for _, nalu := range [][]byte{testSPS, testPPS, {0x65, 9, 8, 7}} {
		es = append(es, 0, 0, 0, 1)
		es = append(es, nalu...)
	}
	require.NoError(t, mux.WritePES(mpegts.PidVideo, 0xE0, es, 3600+90*40, 3600, true))

	// A trailing P access unit forces the keyframe unit to flush.
	var es2 []byte
	es2 = append(es2, 0, 0, 0, 1, 0x41, 0x11)
	require.NoError(t, mux.WritePES(mpegts.PidVideo, 0xE0, es2, 7200, 7200, false))

	require.NoError(t, b.OnTS(ts.Bytes()))
	b.OnUnpublish()

	require.GreaterOrEqual(t, len(frames.frames), 2)

	hdr := frames.frames[0]
	require.True(t, hdr.IsVideoSequenceHeader())
	sps, pps, err := flv.ParseAVCDecoderConfig(hdr.Payload[5:])
	require.NoError(t, err)
	require.Equal(t, testSPS, sps[0])
	require.Equal(t, testPPS, pps[0])

	kf := frames.frames[1]
	require.True(t, kf.IsKeyframe())
	require.EqualValues(t, 40, kf.Timestamp)
	nalus, err := flv.SplitNALUs(kf.Payload[5:])
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0x65, 9, 8, 7}}, nalus)
}

func TestSrtFrameBuilderAudio(t *testing.T) {
	frames := &frameSink{}
	b := NewSrtFrameBuilder(frames, coro.NewContextId())
	require.NoError(t, b.OnPublish())

	adts := mpeg4audio.ADTSPackets{{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   44100,
		ChannelCount: 2,
		AU:           []byte{0x21, 0x42, 0x13, 0x37},
	}}
	payload, err := adts.Marshal()
	require.NoError(t, err)

	var ts bytes.Buffer
	mux := mpegts.NewMuxer(&ts)
	require.NoError(t, mux.WritePES(mpegts.PidAudio, 0xC0, payload, 90000, 90000, false))

	require.NoError(t, b.OnTS(ts.Bytes()))
	b.OnUnpublish()

	require.Len(t, frames.frames, 2)
	require.True(t, frames.frames[0].IsAudioSequenceHeader())

	raw := frames.frames[1]
	require.Equal(t, stream.PacketAudio, raw.Type)
	require.EqualValues(t, 1000, raw.Timestamp)
	require.Equal(t, []byte{0x21, 0x42, 0x13, 0x37}, raw.Payload[2:])
}
