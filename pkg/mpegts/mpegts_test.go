package mpegts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMuxDemuxRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf)

	video := make([]byte, 600)
	for i := range video {
		video[i] = byte(i * 3)
	}
	audio := []byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x00, 0xFC, 0xDE, 0xAD}

	require.NoError(t, m.WritePES(PidVideo, 0xE0, video, 93000, 90000, true))
	require.NoError(t, m.WritePES(PidAudio, 0xC0, audio, 90000, 90000, false))

	// Cell alignment holds.
	require.Zero(t, buf.Len()%PacketSize)

	d := NewDemuxer()
	var got []*PES
	d.OnPES = func(pes *PES) error {
		got = append(got, pes)
		return nil
	}

	require.NoError(t, d.Feed(buf.Bytes()))
	require.NoError(t, d.Flush())

	require.Len(t, got, 2)

	// Pending units flush in map order; find by pid.
	byPid := map[uint16]*PES{}
	for _, pes := range got {
		byPid[pes.Pid] = pes
	}

	v := byPid[PidVideo]
	require.NotNil(t, v)
	require.Equal(t, uint16(PidVideo), v.Pid)
	require.Equal(t, uint8(StreamTypeH264), v.StreamType)
	require.EqualValues(t, 93000, v.Pts)
	require.EqualValues(t, 90000, v.Dts)
	require.Equal(t, video, v.Payload)

	a := byPid[PidAudio]
	require.NotNil(t, a)
	require.Equal(t, uint16(PidAudio), a.Pid)
	require.Equal(t, uint8(StreamTypeAAC), a.StreamType)
	require.EqualValues(t, 90000, a.Pts)
	require.EqualValues(t, 90000, a.Dts)
	require.Equal(t, audio, a.Payload)
}

func TestMuxCellsStartWithSync(t *testing.T) {
	var buf bytes.Buffer
	m := NewMuxer(&buf)
	require.NoError(t, m.WritePES(PidVideo, 0xE0, []byte{1, 2, 3}, 0, 0, false))

	cells := buf.Bytes()
	for off := 0; off < len(cells); off += PacketSize {
		require.Equal(t, byte(SyncByte), cells[off], "cell at %d", off)
	}
}

func TestDemuxRejectsUnaligned(t *testing.T) {
	d := NewDemuxer()
	d.OnPES = func(*PES) error { return nil }
	require.Error(t, d.Feed(make([]byte, 100)))
}

func TestTimestampCodec(t *testing.T) {
	for _, ts := range []int64{0, 1, 90000, 1<<33 - 1} {
		var b [5]byte
		putTimestamp(b[:], 0x2, ts)
		require.Equal(t, ts, parseTimestamp(b[:]), "ts %d", ts)
	}
}

func TestPsiCrc(t *testing.T) {
	// CRC-32/MPEG-2 check value for "123456789".
	require.Equal(t, uint32(0x0376E6E7), crc32mpeg([]byte("123456789")))
}
