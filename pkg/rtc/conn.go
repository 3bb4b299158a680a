package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/stream"
)

// Breaker is the subset of the circuit breaker the connection polls to
// shed optional work.
type Breaker interface {
	HighWaterLevel() bool
	CriticalWaterLevel() bool
	DyingWaterLevel() bool
}

type nopBreaker struct{}

func (nopBreaker) HighWaterLevel() bool     { return false }
func (nopBreaker) CriticalWaterLevel() bool { return false }
func (nopBreaker) DyingWaterLevel() bool    { return false }

// NackTimer is where the connection subscribes its 20ms loss scan.
type NackTimer interface {
	Subscribe(h coro.FastTimerHandler)
	Unsubscribe(h coro.FastTimerHandler)
}

// Connection is one WebRTC peer: either a publisher feeding an rtc.Source
// or a player consuming one. It owns the pion peer connection, the
// per-track NACK state and the PLI worker.
type Connection struct {
	cid     coro.ContextId
	log     *logger.Logger
	cfg     config.RTCConfig
	breaker Breaker
	timer   NackTimer

	pc  *webrtc.PeerConnection
	src *Source

	mu         sync.Mutex
	recvTracks map[uint32]*RecvTrack
	sendAudio  *SendTrack
	sendVideo  *SendTrack
	consumer   *Consumer
	playTrd    *coro.Coroutine
	closed     bool

	pli *PliWorker
	wg  *coro.WaitGroup

	publisher bool
	token     interface{ Close() }
}

// newPeerConnection builds the pion API the way every connection needs
// it: H264 + Opus in the media engine, report interceptors, and the NACK
// responder only when the publisher side is expected to retransmit.
func newPeerConnection(cfg config.RTCConfig) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264 codec: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.ConfigureRTCPReports(ir); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}
	if cfg.NackEnabled {
		if err := webrtc.ConfigureNack(m, ir); err != nil {
			return nil, fmt.Errorf("configure nack: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// validateOffer rejects an SDP we cannot serve before pion sees it.
func validateOffer(offer string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(offer)); err != nil {
		return fmt.Errorf("parse offer sdp: %w", err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return fmt.Errorf("offer has no media sections")
	}
	return nil
}

// NewPublisher accepts a WHIP offer, acquires nothing itself (the caller
// holds the publish token), and answers. Inbound tracks feed src.OnRtp.
func NewPublisher(src *Source, offer string, cfg config.RTCConfig, brk Breaker, timer NackTimer, cid coro.ContextId) (*Connection, string, error) {
	if err := validateOffer(offer); err != nil {
		return nil, "", err
	}

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, "", err
	}

	c := &Connection{
		cid:        cid,
		log:        logger.Default().WithCid(cid),
		cfg:        cfg,
		breaker:    brk,
		timer:      timer,
		pc:         pc,
		src:        src,
		recvTracks: make(map[uint32]*RecvTrack),
		wg:         coro.NewWaitGroup(),
		publisher:  true,
	}
	if c.breaker == nil {
		c.breaker = nopBreaker{}
	}
	c.pli = NewPliWorker(c, rate.Every(cfg.PliMinGap))

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.onTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info("peer connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	answer, err := c.negotiate(offer)
	if err != nil {
		pc.Close()
		return nil, "", err
	}

	if err := c.pli.Start(); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("start pli worker: %w", err)
	}
	if timer != nil {
		timer.Subscribe(c)
	}

	return c, answer, nil
}

// NewPlayer accepts a WHEP offer and streams the source's RTP out.
func NewPlayer(src *Source, offer string, cfg config.RTCConfig, timer NackTimer, cid coro.ContextId) (*Connection, string, error) {
	if err := validateOffer(offer); err != nil {
		return nil, "", err
	}

	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, "", err
	}

	c := &Connection{
		cid:        cid,
		log:        logger.Default().WithCid(cid),
		cfg:        cfg,
		breaker:    nopBreaker{},
		timer:      timer,
		pc:         pc,
		src:        src,
		recvTracks: make(map[uint32]*RecvTrack),
		wg:         coro.NewWaitGroup(),
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "streamhub")
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("create video track: %w", err)
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "streamhub")
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("create audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("add audio track: %w", err)
	}

	c.sendVideo = NewSendTrack(0, 96, false, videoTrack)
	c.sendAudio = NewSendTrack(0, 111, true, audioTrack)

	answer, err := c.negotiate(offer)
	if err != nil {
		pc.Close()
		return nil, "", err
	}

	consumer := src.CreateConsumer(cid, 1024)
	c.consumer = consumer
	c.playTrd = coro.NewWithCid("rtc-play", coro.HandlerFunc(func() error {
		return c.playCycle(c.playTrd, consumer)
	}), cid)
	if err := c.playTrd.Start(); err != nil {
		consumer.Close()
		pc.Close()
		return nil, "", fmt.Errorf("start play coroutine: %w", err)
	}

	return c, answer, nil
}

func (c *Connection) negotiate(offer string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offer,
	}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("ICE gathering timeout")
	}

	return c.pc.LocalDescription().SDP, nil
}

// onTrack starts a read loop for one inbound track.
func (c *Connection) onTrack(track *webrtc.TrackRemote) {
	ssrc := uint32(track.SSRC())
	opts := DefaultNackOptions
	opts.MaxRetry = c.cfg.NackMaxRetry
	opts.MaxAge = c.cfg.NackMaxAge

	rt := NewRecvTrack(ssrc, track.Kind(), track.Codec().ClockRate, opts)
	c.mu.Lock()
	c.recvTracks[ssrc] = rt
	audio, video := uint32(0), uint32(0)
	for s, t := range c.recvTracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			audio = s
		} else {
			video = s
		}
	}
	c.mu.Unlock()
	c.src.SetTrackSSRCs(audio, video)

	c.log.Info("rtc track up", "ssrc", ssrc, "kind", track.Kind().String(),
		"codec", track.Codec().MimeType)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				c.log.Info("rtc track read done", "ssrc", ssrc, "err", err)
				return
			}
			rt.OnRtp(pkt, time.Now())
			if err := c.src.OnRtp(pkt); err != nil {
				c.log.Warn("rtc source rejected packet", "ssrc", ssrc, "err", err)
				return
			}
		}
	}()
}

// OnTimer implements coro.FastTimerHandler at 20ms: walk every receive
// track, emit a compound NACK for the due sequences, and escalate
// abandoned sequences to a PLI.
func (c *Connection) OnTimer(interval time.Duration) error {
	if !c.publisher {
		return nil
	}
	// Under critical CPU pressure NACK generation is shed first.
	if c.breaker.CriticalWaterLevel() {
		return nil
	}

	now := time.Now()
	c.mu.Lock()
	tracks := make([]*RecvTrack, 0, len(c.recvTracks))
	for _, t := range c.recvTracks {
		tracks = append(tracks, t)
	}
	c.mu.Unlock()

	for _, t := range tracks {
		if due := t.DueForNack(now); len(due) > 0 {
			nack := &rtcp.TransportLayerNack{
				MediaSSRC: t.SSRC(),
				Nacks:     rtcp.NackPairsFromSequenceNumbers(due),
			}
			if err := c.pc.WriteRTCP([]rtcp.Packet{nack}); err != nil {
				c.log.Warn("send NACK failed", "ssrc", t.SSRC(), "err", err)
			} else {
				c.log.DebugCat(logger.DebugRTP, "NACK sent", "ssrc", t.SSRC(), "seqs", due)
			}
		}
		if gone := t.Abandoned(now); len(gone) > 0 && t.Kind() == webrtc.RTPCodecTypeVideo {
			c.pli.RequestKeyframe(t.SSRC(), c.cid)
		}
	}
	return nil
}

// SendPli implements PliSender.
func (c *Connection) SendPli(ssrc uint32) error {
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

// playCycle pumps the consumer queue onto the send tracks.
func (c *Connection) playCycle(trd *coro.Coroutine, consumer *Consumer) error {
	for {
		if err := trd.Pull(); err != nil {
			return err
		}

		pkt, err := consumer.Dequeue(trd, time.Second)
		if err != nil {
			if errors.Is(err, coro.ErrTimeout) {
				continue
			}
			if errors.Is(err, stream.ErrStreamEOF) {
				c.log.Info("rtc play reached end of stream")
				return nil
			}
			return fmt.Errorf("rtc play dequeue: %w", err)
		}

		if err := c.writePacket(pkt); err != nil {
			return err
		}
	}
}

func (c *Connection) writePacket(pkt *rtp.Packet) error {
	// Payload types are per-direction; route on the publisher's marking.
	if pkt.PayloadType == 111 {
		return c.sendAudio.Write(pkt)
	}
	return c.sendVideo.Write(pkt)
}

// RecvTrack returns the bookkeeping for an inbound ssrc, for tests and
// diagnostics.
func (c *Connection) RecvTrack(ssrc uint32) *RecvTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvTracks[ssrc]
}

// Cid returns the connection context id.
func (c *Connection) Cid() coro.ContextId { return c.cid }

// Desc describes the connection for the resource manager.
func (c *Connection) Desc() string {
	role := "player"
	if c.publisher {
		role = "publisher"
	}
	return fmt.Sprintf("rtc-%s %s", role, c.src.Request().StreamURL())
}

// Close tears the connection down; idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.timer != nil {
		c.timer.Unsubscribe(c)
	}
	if c.pli != nil {
		c.pli.Stop()
	}
	if c.playTrd != nil {
		c.playTrd.Interrupt()
	}
	if c.consumer != nil {
		c.consumer.Close()
	}
	if c.publisher {
		c.src.OnUnpublish()
	}
	if c.token != nil {
		c.token.Close()
	}
	return c.pc.Close()
}

// BindToken attaches the publish token so teardown releases it.
func (c *Connection) BindToken(t interface{ Close() }) { c.token = t }
