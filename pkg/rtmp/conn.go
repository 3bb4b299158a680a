package rtmp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/kbps"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/pithy"
	"github.com/ethan/streamhub/pkg/stream"
	"github.com/ethan/streamhub/pkg/token"
)

// connState is the publisher/player lifecycle. The only legal forward
// transition out of statePublishing is stateClosing.
type connState int

const (
	stateHandshake connState = iota
	stateConnected
	statePublishing
	statePlaying
	stateClosing
	stateDisposed
)

const (
	defaultWindowAckSize = 2500000
	writeTimeout         = 30 * time.Second
	dequeueTimeout       = time.Second
)

// ServerConn drives one accepted RTMP connection through handshake,
// identify, then the publish or play loop.
type ServerConn struct {
	srv     *Server
	netConn net.Conn
	cid     coro.ContextId
	log     *logger.Logger

	reader *ChunkReader
	writer *ChunkWriter

	trd   *coro.Coroutine
	state connState

	req    *stream.Request
	pubTok *token.Token
	source *stream.LiveSource
	rate   *kbps.Kbps

	lastAck uint64
}

func newServerConn(srv *Server, nc net.Conn) *ServerConn {
	cid := coro.NewContextId()
	c := &ServerConn{
		srv:     srv,
		netConn: nc,
		cid:     cid,
		log:     logger.Default().WithCid(cid),
		reader:  NewChunkReader(nc),
		writer:  NewChunkWriter(nc),
		req:     &stream.Request{Schema: "rtmp"},
		state:   stateHandshake,
	}
	c.rate = kbps.NewKbps(c, nil)
	return c
}

// Cid implements resource.Resource.
func (c *ServerConn) Cid() coro.ContextId { return c.cid }

// Desc implements resource.Resource.
func (c *ServerConn) Desc() string {
	return fmt.Sprintf("rtmp %s %s", c.netConn.RemoteAddr(), c.req.StreamURL())
}

// RemoteIP returns the peer address.
func (c *ServerConn) RemoteIP() string {
	host, _, _ := net.SplitHostPort(c.netConn.RemoteAddr().String())
	return host
}

// RecvBytes implements kbps.ByteCounter.
func (c *ServerConn) RecvBytes() int64 { return int64(c.reader.InBytes()) }

// SendBytes implements kbps.ByteCounter.
func (c *ServerConn) SendBytes() int64 { return int64(c.writer.OutBytes()) }

// Start launches the connection coroutine.
func (c *ServerConn) Start() error {
	c.trd = coro.NewWithCid("rtmp", coro.HandlerFunc(c.cycle), c.cid)
	return c.trd.Start()
}

// Close tears the connection down; invoked by the resource manager.
func (c *ServerConn) Close() error {
	c.state = stateDisposed
	if c.trd != nil {
		c.trd.Interrupt()
	}
	c.teardown()
	return c.netConn.Close()
}

func (c *ServerConn) teardown() {
	if c.state == statePublishing || c.state == stateClosing {
		if c.source != nil {
			c.source.OnUnpublish()
		}
	}
	if c.pubTok != nil {
		c.pubTok.Close()
		c.pubTok = nil
	}
}

func (c *ServerConn) cycle() error {
	err := c.doCycle()

	c.state = stateClosing
	c.teardown()

	if err != nil && !errors.Is(err, coro.ErrInterrupted) {
		c.log.Info("rtmp connection done", "err", err)
	}

	// Hand ourselves to the manager; disposal runs from its coroutine,
	// never from this one.
	c.srv.manager.Remove(c)
	return err
}

func (c *ServerConn) doCycle() error {
	if err := ServerHandshake(c.netConn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	c.state = stateConnected
	c.log.Debug("rtmp handshake done", "client", c.netConn.RemoteAddr().String())

	for {
		if err := c.trd.Pull(); err != nil {
			return err
		}

		msg, err := c.reader.ReadMessage()
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		done, err := c.handleCommand(msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// handleCommand dispatches pre-stream commands; returns done=true once a
// publish or play loop has completed.
func (c *ServerConn) handleCommand(msg *Message) (bool, error) {
	if msg.Type != MsgCommandAMF0 {
		// Acks, user control and chunk size are handled by the reader or
		// ignorable before streaming starts.
		return false, nil
	}

	values, err := Amf0DecodeAll(msg.Payload)
	if err != nil || len(values) == 0 {
		return false, fmt.Errorf("decode command: %w", err)
	}
	name, _ := values[0].(string)
	txn, _ := values[1].(float64)

	switch name {
	case "connect":
		return false, c.onConnect(txn, values)
	case "createStream":
		return false, c.onCreateStream(txn)
	case "publish":
		return true, c.onPublish(msg.StreamID, values)
	case "play":
		return true, c.onPlay(msg.StreamID, values)
	case "releaseStream", "FCPublish", "FCUnpublish", "getStreamLength":
		// Courtesy commands; acknowledged by silence like the reference
		// servers.
		return false, nil
	case "deleteStream", "closeStream":
		return true, nil
	default:
		c.log.Debug("ignore rtmp command", "name", name)
		return false, nil
	}
}

func (c *ServerConn) onConnect(txn float64, values []interface{}) error {
	var cmdObj Amf0Object
	for _, v := range values[2:] {
		if obj, ok := v.(Amf0Object); ok {
			cmdObj = obj
			break
		}
	}
	if cmdObj == nil {
		return fmt.Errorf("connect without command object")
	}

	if tcURL, ok := cmdObj["tcUrl"].(string); ok {
		if err := c.req.ParseTcURL(tcURL); err != nil {
			c.log.Warn("bad tcUrl", "err", err)
		}
	}
	if app, ok := cmdObj["app"].(string); ok && app != "" {
		c.req.App = app
	}
	if c.req.App == "" {
		c.req.App = c.srv.cfg.DefaultApp
	}

	if err := c.writer.WriteWindowAckSize(defaultWindowAckSize); err != nil {
		return err
	}
	if err := c.writer.WriteSetPeerBandwidth(defaultWindowAckSize); err != nil {
		return err
	}
	if err := c.writer.WriteSetChunkSize(uint32(c.srv.cfg.ChunkSize)); err != nil {
		return err
	}

	payload, err := Amf0EncodeAll("_result", txn,
		Amf0Object{
			"fmsVer":       "FMS/3,5,3,888",
			"capabilities": 127.0,
			"mode":         1.0,
		},
		Amf0Object{
			"level":          "status",
			"code":           "NetConnection.Connect.Success",
			"description":    "Connection succeeded",
			"objectEncoding": 0.0,
		})
	if err != nil {
		return err
	}
	return c.writer.WriteMessage(&Message{Type: MsgCommandAMF0, Payload: payload})
}

func (c *ServerConn) onCreateStream(txn float64) error {
	payload, err := Amf0EncodeAll("_result", txn, nil, 1.0)
	if err != nil {
		return err
	}
	return c.writer.WriteMessage(&Message{Type: MsgCommandAMF0, Payload: payload})
}

func (c *ServerConn) writeStatus(streamID uint32, level, code, description string) error {
	payload, err := Amf0EncodeAll("onStatus", 0.0, nil, Amf0Object{
		"level":       level,
		"code":        code,
		"description": description,
	})
	if err != nil {
		return err
	}
	return c.writer.WriteMessage(&Message{Type: MsgCommandAMF0, StreamID: streamID, Payload: payload})
}

// onPublish acquires the publish token, registers with the source, then
// pumps frames until the client stops.
func (c *ServerConn) onPublish(streamID uint32, values []interface{}) error {
	var name string
	for _, v := range values[2:] {
		if s, ok := v.(string); ok && name == "" {
			name = s
		}
	}
	c.req.ParseStream(name)

	tok, err := c.srv.tokens.AcquireToken(c.req, c.cid)
	if err != nil {
		// Reject the claimant; the incumbent is untouched.
		if werr := c.writeStatus(streamID, "error", "NetStream.Publish.BadName", err.Error()); werr != nil {
			return werr
		}
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
	c.state = statePublishing

	if err := c.writeStatus(streamID, "status", "NetStream.Publish.Start", "Start publishing"); err != nil {
		return err
	}

	return c.publishCycle()
}

func (c *ServerConn) publishCycle() error {
	pp := c.srv.pithy.Enter(pithy.StagePublishUser)
	defer pp.Close()

	for {
		if err := c.trd.Pull(); err != nil {
			return err
		}

		msg, err := c.reader.ReadMessage()
		if err != nil {
			return fmt.Errorf("read media: %w", err)
		}

		c.maybeAck()

		var pkt *stream.MediaPacket
		switch msg.Type {
		case MsgAudio:
			pkt = stream.NewMediaPacket(stream.PacketAudio, int64(msg.Timestamp), msg.Payload)
		case MsgVideo:
			pkt = stream.NewMediaPacket(stream.PacketVideo, int64(msg.Timestamp), msg.Payload)
		case MsgDataAMF0:
			pkt = stream.NewMediaPacket(stream.PacketMetadata, int64(msg.Timestamp), msg.Payload)
		case MsgCommandAMF0:
			values, _ := Amf0DecodeAll(msg.Payload)
			if len(values) > 0 {
				if name, _ := values[0].(string); name == "FCUnpublish" || name == "deleteStream" || name == "closeStream" {
					c.log.Info("publisher closed stream", "command", name)
					return nil
				}
			}
			continue
		default:
			continue
		}

		if err := c.source.OnFrame(pkt); err != nil {
			return fmt.Errorf("source frame: %w", err)
		}

		pp.Elapse()
		if pp.CanPrint() {
			c.rate.Sample()
			c.log.Info("rtmp publishing", "url", c.req.StreamURL(),
				"recv_kbps", c.rate.Recv10s(), "consumers", c.source.ConsumerCount())
		}
	}
}

// onPlay attaches a consumer and serializes its queue to the wire.
func (c *ServerConn) onPlay(streamID uint32, values []interface{}) error {
	var name string
	for _, v := range values[2:] {
		if s, ok := v.(string); ok && name == "" {
			name = s
		}
	}
	c.req.ParseStream(name)
	c.state = statePlaying

	src := c.srv.sources.FetchOrCreate(c.req)
	consumer := src.CreateConsumer(c.cid)
	defer consumer.Close()

	if err := c.writer.WriteStreamBegin(streamID); err != nil {
		return err
	}
	if err := c.writeStatus(streamID, "status", "NetStream.Play.Reset", "Play reset"); err != nil {
		return err
	}
	if err := c.writeStatus(streamID, "status", "NetStream.Play.Start", "Start live"); err != nil {
		return err
	}

	pp := c.srv.pithy.Enter(pithy.StagePlayUser)
	defer pp.Close()

	for {
		if err := c.trd.Pull(); err != nil {
			return err
		}

		pkt, err := consumer.Dequeue(c.trd, dequeueTimeout)
		if err != nil {
			if errors.Is(err, coro.ErrTimeout) {
				continue
			}
			if errors.Is(err, stream.ErrStreamEOF) {
				c.log.Info("rtmp play reached end of stream", "url", c.req.StreamURL())
				return nil
			}
			if errors.Is(err, stream.ErrConsumerOverflow) {
				c.writeStatus(streamID, "error", "NetStream.Play.Failed",
					"play queue overflow, disconnecting")
				return fmt.Errorf("play consumer: %w", err)
			}
			return err
		}

		var msgType uint8
		switch pkt.Type {
		case stream.PacketAudio:
			msgType = MsgAudio
		case stream.PacketVideo:
			msgType = MsgVideo
		default:
			msgType = MsgDataAMF0
		}

		c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = c.writer.WriteMessage(&Message{
			Type:      msgType,
			Timestamp: uint32(pkt.Timestamp),
			StreamID:  streamID,
			Payload:   pkt.Payload,
		})
		c.netConn.SetWriteDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("write media: %w", err)
		}

		pp.Elapse()
		if pp.CanPrint() {
			c.rate.Sample()
			c.log.Info("rtmp playing", "url", c.req.StreamURL(),
				"send_kbps", c.rate.Send10s(), "queue", consumer.Size())
		}
	}
}

// maybeAck sends an Acknowledgement once a window's worth arrived.
func (c *ServerConn) maybeAck() {
	in := c.reader.InBytes()
	if in-c.lastAck < defaultWindowAckSize {
		return
	}
	c.lastAck = in
	var payload [4]byte
	payload[0] = byte(in >> 24)
	payload[1] = byte(in >> 16)
	payload[2] = byte(in >> 8)
	payload[3] = byte(in)
	if err := c.writer.WriteMessage(&Message{Type: MsgAck, Payload: payload[:]}); err != nil {
		c.log.Debug("write ack failed", "err", err)
	}
}
