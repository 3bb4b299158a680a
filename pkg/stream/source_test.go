package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/streamhub/pkg/coro"
)

func videoSeqHeader() []byte {
	// 0x17 keyframe+AVC, AVCPacketType 0, zero cts, then a minimal
	// decoder config with one SPS and one PPS.
	cfg := []byte{
		0x01, 0x42, 0xC0, 0x1F, 0xFF,
		0xE1, 0x00, 0x04, 0x67, 0x42, 0xC0, 0x1F,
		0x01, 0x00, 0x02, 0x68, 0xCE,
	}
	return append([]byte{0x17, 0x00, 0, 0, 0}, cfg...)
}

func videoKeyframe() []byte {
	nalu := []byte{0x65, 0x88, 0x80, 0x10}
	avcc := append([]byte{0, 0, 0, byte(len(nalu))}, nalu...)
	return append([]byte{0x17, 0x01, 0, 0, 0}, avcc...)
}

func videoInterFrame() []byte {
	nalu := []byte{0x41, 0x9A, 0x00}
	avcc := append([]byte{0, 0, 0, byte(len(nalu))}, nalu...)
	return append([]byte{0x27, 0x01, 0, 0, 0}, avcc...)
}

func audioSeqHeader() []byte {
	return []byte{0xAF, 0x00, 0x12, 0x10}
}

func audioRaw() []byte {
	return []byte{0xAF, 0x01, 0x21, 0x42, 0x13}
}

func testTrd(t *testing.T) *coro.Coroutine {
	t.Helper()
	return coro.New("test", coro.HandlerFunc(func() error { return nil }))
}

func dequeueAll(t *testing.T, c *Consumer, n int) []*MediaPacket {
	t.Helper()
	trd := testTrd(t)
	out := make([]*MediaPacket, 0, n)
	for i := 0; i < n; i++ {
		pkt, err := c.Dequeue(trd, 100*time.Millisecond)
		require.NoError(t, err)
		out = append(out, pkt)
	}
	return out
}

// The S1 scenario: a player attaching after the keyframe still observes
// metadata, both sequence headers, the keyframe and trailing audio, in
// order.
func TestFanOutLatePlayer(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{MaxPackets: 16})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "x"))
	require.NoError(t, src.OnPublish(coro.NewContextId()))

	require.NoError(t, src.OnFrame(NewMediaPacket(PacketMetadata, 0, []byte{0x02})))
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketAudio, 0, audioSeqHeader())))
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 0, videoSeqHeader())))
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 40, videoKeyframe())))
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketAudio, 60, audioRaw())))

	c := src.CreateConsumer(coro.NewContextId())
	defer c.Close()

	got := dequeueAll(t, c, 5)
	require.Equal(t, PacketMetadata, got[0].Type)
	require.True(t, got[1].IsAudioSequenceHeader())
	require.True(t, got[2].IsVideoSequenceHeader())
	require.True(t, got[3].IsKeyframe())
	require.EqualValues(t, 40, got[3].Timestamp)
	require.Equal(t, PacketAudio, got[4].Type)
	require.EqualValues(t, 60, got[4].Timestamp)

	// Nothing else queued.
	trd := testTrd(t)
	_, err := c.Dequeue(trd, 10*time.Millisecond)
	require.ErrorIs(t, err, coro.ErrTimeout)
}

func TestGopCacheResetOnKeyframe(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{MaxPackets: 64})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "gop"))
	require.NoError(t, src.OnPublish(coro.NewContextId()))

	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 0, videoSeqHeader())))
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 0, videoKeyframe())))
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 40, videoInterFrame())))
	// Second keyframe drops the first GOP from the cache.
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 80, videoKeyframe())))

	c := src.CreateConsumer(coro.NewContextId())
	defer c.Close()

	got := dequeueAll(t, c, 2)
	require.True(t, got[0].IsVideoSequenceHeader())
	require.True(t, got[1].IsKeyframe())
	require.EqualValues(t, 80, got[1].Timestamp)
}

func TestUnpublishWakesConsumers(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{MaxPackets: 16})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "eof"))
	require.NoError(t, src.OnPublish(coro.NewContextId()))

	c := src.CreateConsumer(coro.NewContextId())
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		trd := coro.New("player", coro.HandlerFunc(func() error { return nil }))
		_, err := c.Dequeue(trd, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	src.OnUnpublish()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStreamEOF)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken by unpublish")
	}
}

func TestUnpublishClearsCache(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{MaxPackets: 16})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "fresh"))
	require.NoError(t, src.OnPublish(coro.NewContextId()))
	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 0, videoSeqHeader())))
	src.OnUnpublish()

	meta, audio, video := src.SequenceHeaders()
	require.Nil(t, meta)
	require.Nil(t, audio)
	require.Nil(t, video)
}

func TestSinglePublisherPerSource(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "solo"))
	require.NoError(t, src.OnPublish(coro.NewContextId()))
	require.ErrorIs(t, src.OnPublish(coro.NewContextId()), ErrSourceBusy)
}

// recordBridge records frames and proves bridges run before consumers.
type recordBridge struct {
	frames []*MediaPacket
	fail   error
}

func (b *recordBridge) Initialize(r *Request) error { return nil }
func (b *recordBridge) OnPublish() error            { return nil }
func (b *recordBridge) OnUnpublish()                {}
func (b *recordBridge) OnFrame(pkt *MediaPacket) error {
	b.frames = append(b.frames, pkt)
	return b.fail
}

func TestBridgeSeesFramesWithoutConsumers(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{MaxPackets: 4})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "b"))
	br := &recordBridge{}
	src.SetBridge(br)
	require.NoError(t, src.OnPublish(coro.NewContextId()))

	require.NoError(t, src.OnFrame(NewMediaPacket(PacketVideo, 0, videoSeqHeader())))
	require.Len(t, br.frames, 1)

	// And the cache still updated.
	_, _, video := src.SequenceHeaders()
	require.NotNil(t, video)
}

func TestBridgeErrorAbortsDelivery(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{MaxPackets: 4})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "be"))
	br := &recordBridge{fail: errors.New("boom")}
	src.SetBridge(br)
	require.NoError(t, src.OnPublish(coro.NewContextId()))

	c := src.CreateConsumer(coro.NewContextId())
	defer c.Close()

	err := src.OnFrame(NewMediaPacket(PacketAudio, 0, audioRaw()))
	require.Error(t, err)
	require.Zero(t, c.Size())
}

func TestConsumerOverflowDropsConsumerNotSource(t *testing.T) {
	m := NewSourceManager(ConsumerConfig{MaxPackets: 2})
	src := m.FetchOrCreate(NewRequest("rtmp", "", "live", "of"))
	require.NoError(t, src.OnPublish(coro.NewContextId()))

	slow := src.CreateConsumer(coro.NewContextId())
	require.Equal(t, 1, src.ConsumerCount())

	for i := 0; i < 5; i++ {
		require.NoError(t, src.OnFrame(NewMediaPacket(PacketAudio, int64(i*20), audioRaw())))
	}

	// The overflowing consumer was detached; the source survives.
	require.Zero(t, src.ConsumerCount())
	require.True(t, src.Active())

	trd := testTrd(t)
	for {
		_, err := slow.Dequeue(trd, 10*time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, ErrConsumerOverflow)
			break
		}
	}
}
