package rtmp

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAmf0RoundTrip(t *testing.T) {
	values := []interface{}{
		"connect",
		1.0,
		Amf0Object{
			"app":      "live",
			"tcUrl":    "rtmp://host:1935/live",
			"flashVer": "FMLE/3.0",
			"fpad":     false,
			"audioCodecs": 3575.0,
		},
		nil,
	}

	payload, err := Amf0EncodeAll(values...)
	require.NoError(t, err)

	decoded, err := Amf0DecodeAll(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 4)
	require.Equal(t, "connect", decoded[0])
	require.Equal(t, 1.0, decoded[1])
	require.Nil(t, decoded[3])

	obj, ok := decoded[2].(Amf0Object)
	require.True(t, ok)
	require.Equal(t, "live", obj["app"])
	require.Equal(t, "rtmp://host:1935/live", obj["tcUrl"])
	require.Equal(t, false, obj["fpad"])
	require.Equal(t, 3575.0, obj["audioCodecs"])
}

func TestAmf0RejectsGarbage(t *testing.T) {
	_, err := Amf0DecodeAll([]byte{0x42, 0x00})
	require.Error(t, err)
}

func TestChunkRoundTripSmall(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	r := NewChunkReader(&buf)

	msg := &Message{Type: MsgCommandAMF0, Timestamp: 1234, StreamID: 1, Payload: []byte("hello rtmp")}
	require.NoError(t, w.WriteMessage(msg))

	got, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, msg.Timestamp, got.Timestamp)
	require.Equal(t, msg.StreamID, got.StreamID)
	require.Equal(t, msg.Payload, got.Payload)
}

func TestChunkRoundTripMultiChunk(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	r := NewChunkReader(&buf)

	// Payload far beyond the 128-byte default chunk size.
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := &Message{Type: MsgVideo, Timestamp: 40, StreamID: 1, Payload: payload}
	require.NoError(t, w.WriteMessage(msg))

	got, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, payload, got.Payload)
}

func TestChunkSizeNegotiation(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	r := NewChunkReader(&buf)

	require.NoError(t, w.WriteSetChunkSize(4096))

	// The reader applies the inbound Set Chunk Size transparently.
	got, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint8(MsgSetChunkSize), got.Type)

	payload := make([]byte, 3000)
	require.NoError(t, w.WriteMessage(&Message{Type: MsgAudio, Timestamp: 7, StreamID: 1, Payload: payload}))

	got, err = r.ReadMessage()
	require.NoError(t, err)
	require.Len(t, got.Payload, 3000)
}

func TestChunkExtendedTimestamp(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	r := NewChunkReader(&buf)

	// Beyond the 24-bit basic field, the timestamp rides the extended
	// word.
	ts := uint32(0x01000000)
	require.NoError(t, w.WriteMessage(&Message{Type: MsgVideo, Timestamp: ts, StreamID: 1, Payload: make([]byte, 300)}))

	got, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, ts, got.Timestamp)
	require.Len(t, got.Payload, 300)
}

func TestChunkDeltaTimestamps(t *testing.T) {
	// Hand-build a fmt0 then fmt2 sequence to prove delta accumulation.
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	require.NoError(t, w.WriteMessage(&Message{Type: MsgAudio, Timestamp: 100, StreamID: 1, Payload: []byte{1}}))

	// fmt2 header on the audio csid: 3-byte delta 20, same length/type.
	buf.Write([]byte{0x80 | 6, 0x00, 0x00, 0x14, 0x02})

	r := NewChunkReader(&buf)
	first, err := r.ReadMessage()
	require.NoError(t, err)
	require.EqualValues(t, 100, first.Timestamp)

	second, err := r.ReadMessage()
	require.NoError(t, err)
	require.EqualValues(t, 120, second.Timestamp)
	require.Equal(t, []byte{0x02}, second.Payload)
}

func TestServerHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		done <- ServerHandshake(server)
	}()

	// Client side: C0+C1.
	c1 := make([]byte, handshakeSize)
	for i := range c1 {
		c1[i] = byte(i)
	}
	_, err := client.Write(append([]byte{0x03}, c1...))
	require.NoError(t, err)

	// S0+S1+S2; S2 must echo C1.
	resp := make([]byte, 1+2*handshakeSize)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, byte(0x03), resp[0])
	require.Equal(t, c1, resp[1+handshakeSize:])

	// C2 echoes S1.
	_, err = client.Write(resp[1 : 1+handshakeSize])
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handshake stuck")
	}
}

func TestServerHandshakeRejectsBadVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- ServerHandshake(server) }()

	go client.Write(make([]byte, 1+handshakeSize))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("handshake stuck")
	}
}
