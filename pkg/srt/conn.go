package srt

import (
	"errors"
	"fmt"
	"time"

	gosrt "github.com/datarhei/gosrt"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/ethan/streamhub/pkg/bridge"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/flv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/mpegts"
	"github.com/ethan/streamhub/pkg/pithy"
	"github.com/ethan/streamhub/pkg/stream"
	"github.com/ethan/streamhub/pkg/token"
)

// Conn drives one SRT caller: a publisher demuxes TS into the live
// domain through an SrtFrameBuilder, a player re-muxes live frames into
// TS.
type Conn struct {
	srv     *Server
	sc      gosrt.Conn
	req     *stream.Request
	publish bool
	cid     coro.ContextId
	log     *logger.Logger

	trd    *coro.Coroutine
	pubTok *token.Token
	source *stream.LiveSource
}

func newConn(srv *Server, sc gosrt.Conn, req *stream.Request, publish, accepted bool) *Conn {
	cid := coro.NewContextId()
	return &Conn{
		srv:     srv,
		sc:      sc,
		req:     req,
		publish: publish && accepted,
		cid:     cid,
		log:     logger.Default().WithCid(cid),
	}
}

// Cid implements resource.Resource.
func (c *Conn) Cid() coro.ContextId { return c.cid }

// Desc implements resource.Resource.
func (c *Conn) Desc() string {
	mode := "play"
	if c.publish {
		mode = "publish"
	}
	return fmt.Sprintf("srt-%s %s", mode, c.req.StreamURL())
}

// Start launches the connection coroutine.
func (c *Conn) Start() error {
	c.trd = coro.NewWithCid("srt", coro.HandlerFunc(c.cycle), c.cid)
	return c.trd.Start()
}

// Close tears the connection down; invoked by the resource manager.
func (c *Conn) Close() error {
	if c.trd != nil {
		c.trd.Interrupt()
	}
	if c.source != nil && c.publish {
		c.source.OnUnpublish()
		c.source = nil
	}
	if c.pubTok != nil {
		c.pubTok.Close()
		c.pubTok = nil
	}
	return c.sc.Close()
}

func (c *Conn) cycle() error {
	var err error
	if c.publish {
		err = c.publishCycle()
	} else {
		err = c.playCycle()
	}

	if err != nil && !errors.Is(err, coro.ErrInterrupted) {
		c.log.Info("srt connection done", "url", c.req.StreamURL(), "err", err)
	}
	c.srv.manager.Remove(c)
	return err
}

func (c *Conn) publishCycle() error {
	tok, err := c.srv.tokens.AcquireToken(c.req, c.cid)
	if err != nil {
		return fmt.Errorf("acquire publish token: %w", err)
	}
	c.pubTok = tok

	src := c.srv.sources.FetchOrCreate(c.req)
	if c.srv.PublishHook != nil {
		if err := c.srv.PublishHook(src, c.req, c.cid); err != nil {
			return fmt.Errorf("publish hook: %w", err)
		}
	}
	if err := src.OnPublish(c.cid); err != nil {
		return fmt.Errorf("source publish: %w", err)
	}
	c.source = src

	builder := bridge.NewSrtFrameBuilder(src, c.cid)
	if err := builder.OnPublish(); err != nil {
		return err
	}
	defer builder.OnUnpublish()

	pp := c.srv.pithy.Enter(pithy.StageSRT)
	defer pp.Close()

	c.log.Info("srt publish start", "url", c.req.StreamURL())

	// SRT payloads arrive in 1316-byte datagrams, 7 TS cells each, but a
	// sender may not align, so carry the remainder across reads.
	buf := make([]byte, 1500)
	var pending []byte

	for {
		if err := c.trd.Pull(); err != nil {
			return err
		}

		n, err := c.sc.Read(buf)
		if err != nil {
			return fmt.Errorf("srt read: %w", err)
		}

		pending = append(pending, buf[:n]...)
		aligned := len(pending) / mpegts.PacketSize * mpegts.PacketSize
		if aligned == 0 {
			continue
		}
		if err := builder.OnTS(pending[:aligned]); err != nil {
			return fmt.Errorf("demux ts: %w", err)
		}
		pending = append(pending[:0], pending[aligned:]...)

		pp.Elapse()
		if pp.CanPrint() {
			c.log.Info("srt publishing", "url", c.req.StreamURL(),
				"consumers", src.ConsumerCount())
		}
	}
}

// playCycle attaches a consumer and re-muxes its frames into TS.
func (c *Conn) playCycle() error {
	src := c.srv.sources.FetchOrCreate(c.req)
	consumer := src.CreateConsumer(c.cid)
	defer consumer.Close()

	mux := mpegts.NewMuxer(c.sc)
	writer := &tsFrameWriter{mux: mux}

	pp := c.srv.pithy.Enter(pithy.StageSRT)
	defer pp.Close()

	c.log.Info("srt play start", "url", c.req.StreamURL())

	for {
		if err := c.trd.Pull(); err != nil {
			return err
		}

		pkt, err := consumer.Dequeue(c.trd, time.Second)
		if err != nil {
			if errors.Is(err, coro.ErrTimeout) {
				continue
			}
			if errors.Is(err, stream.ErrStreamEOF) {
				return nil
			}
			return err
		}

		if err := writer.write(pkt); err != nil {
			return fmt.Errorf("mux ts: %w", err)
		}

		pp.Elapse()
		if pp.CanPrint() {
			c.log.Info("srt playing", "url", c.req.StreamURL(), "queue", consumer.Size())
		}
	}
}

// tsFrameWriter converts live-domain frames back into elementary streams
// for the TS muxer.
type tsFrameWriter struct {
	mux      *mpegts.Muxer
	sps, pps []byte
	audioCfg *mpeg4audio.Config
}

func (w *tsFrameWriter) write(pkt *stream.MediaPacket) error {
	switch {
	case pkt.IsVideoSequenceHeader():
		spsList, ppsList, err := flv.ParseAVCDecoderConfig(pkt.Payload[5:])
		if err != nil {
			return err
		}
		if len(spsList) > 0 {
			w.sps = spsList[0]
		}
		if len(ppsList) > 0 {
			w.pps = ppsList[0]
		}
		return nil

	case pkt.IsAudioSequenceHeader():
		var cfg mpeg4audio.Config
		if err := cfg.Unmarshal(pkt.Payload[2:]); err != nil {
			return err
		}
		w.audioCfg = &cfg
		return nil

	case pkt.IsVideo():
		if len(pkt.Payload) < 5 || len(w.sps) == 0 {
			return nil
		}
		nalus, err := flv.SplitNALUs(pkt.Payload[5:])
		if err != nil {
			return err
		}
		keyframe := pkt.IsKeyframe()
		var es []byte
		if keyframe {
			es = append(append(es, 0, 0, 0, 1), w.sps...)
			es = append(append(es, 0, 0, 0, 1), w.pps...)
		}
		for _, nalu := range nalus {
			es = append(append(es, 0, 0, 0, 1), nalu...)
		}
		cts := flv.CompositionTime(pkt.Payload)
		dts := pkt.Timestamp * 90
		pts := (pkt.Timestamp + int64(cts)) * 90
		return w.mux.WritePES(mpegts.PidVideo, 0xE0, es, pts, dts, keyframe)

	case pkt.IsAudio():
		if len(pkt.Payload) < 2 || w.audioCfg == nil {
			return nil
		}
		adts := mpeg4audio.ADTSPackets{{
			Type:         w.audioCfg.Type,
			SampleRate:   w.audioCfg.SampleRate,
			ChannelCount: w.audioCfg.ChannelCount,
			AU:           pkt.Payload[2:],
		}}
		buf, err := adts.Marshal()
		if err != nil {
			return err
		}
		pts := pkt.Timestamp * 90
		return w.mux.WritePES(mpegts.PidAudio, 0xC0, buf, pts, pts, false)
	}
	return nil
}
