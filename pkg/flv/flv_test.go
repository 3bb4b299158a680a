package flv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	sps = []byte{0x67, 0x42, 0xC0, 0x1F, 0xAA}
	pps = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func TestAvcConfigRoundTrip(t *testing.T) {
	body := MuxAVCDecoderConfig(sps, pps)
	gotSPS, gotPPS, err := ParseAVCDecoderConfig(body)
	require.NoError(t, err)
	require.Equal(t, [][]byte{sps}, gotSPS)
	require.Equal(t, [][]byte{pps}, gotPPS)
}

func TestSequenceHeaderClassification(t *testing.T) {
	hdr := MuxVideoSequenceHeader(sps, pps)
	require.True(t, IsAVC(hdr))
	require.True(t, IsKeyframe(hdr))
	require.True(t, IsVideoSequenceHeader(hdr))

	frame := MuxVideoFrame(JoinNALUs([][]byte{{0x65, 1, 2}}), true, 0)
	require.True(t, IsKeyframe(frame))
	require.False(t, IsVideoSequenceHeader(frame))

	inter := MuxVideoFrame(JoinNALUs([][]byte{{0x41, 1}}), false, 0)
	require.False(t, IsKeyframe(inter))

	ash := MuxAudioSequenceHeader([]byte{0x12, 0x10})
	require.True(t, IsAAC(ash))
	require.True(t, IsAudioSequenceHeader(ash))
	require.False(t, IsAudioSequenceHeader(MuxAudioFrame([]byte{1, 2})))
}

func TestCompositionTime(t *testing.T) {
	frame := MuxVideoFrame(nil, false, 80)
	require.EqualValues(t, 80, CompositionTime(frame))

	negative := MuxVideoFrame(nil, false, -40)
	require.EqualValues(t, -40, CompositionTime(negative))
}

func TestNaluSplitJoin(t *testing.T) {
	nalus := [][]byte{{0x67, 1}, {0x68}, {0x65, 9, 9, 9}}
	avcc := JoinNALUs(nalus)
	got, err := SplitNALUs(avcc)
	require.NoError(t, err)
	require.Equal(t, nalus, got)

	_, err = SplitNALUs([]byte{0, 0, 0, 10, 1})
	require.Error(t, err)
}

func TestEncoderDecoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteHeader(true, true))

	tags := []struct {
		tagType byte
		ts      uint32
		payload []byte
	}{
		{TagScriptData, 0, []byte{0x02, 0x00, 0x01, 'x'}},
		{TagAudio, 20, MuxAudioFrame([]byte{1, 2, 3})},
		{TagVideo, 40, MuxVideoFrame(JoinNALUs([][]byte{{0x65, 7}}), true, 0)},
		{TagVideo, 0x1234567, []byte{0x27, 0x01, 0, 0, 0}},
	}
	for _, tag := range tags {
		require.NoError(t, enc.WriteTag(tag.tagType, tag.ts, tag.payload))
	}

	dec := NewDecoder(&buf)
	for i, want := range tags {
		tagType, ts, payload, err := dec.ReadTag()
		require.NoError(t, err, "tag %d", i)
		require.Equal(t, want.tagType, tagType)
		require.Equal(t, want.ts, ts)
		require.Equal(t, want.payload, payload)
	}
}

func TestEncoderRequiresHeader(t *testing.T) {
	enc := NewEncoder(&bytes.Buffer{})
	require.Error(t, enc.WriteTag(TagAudio, 0, []byte{1}))
}
