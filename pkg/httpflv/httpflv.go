// Package httpflv serves live streams as HTTP-FLV and ingests FLV
// streams posted over HTTP.
package httpflv

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/flv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/pithy"
	"github.com/ethan/streamhub/pkg/stream"
	"github.com/ethan/streamhub/pkg/token"
)

const dequeueTimeout = time.Second

// Caster bridges HTTP and the live domain: GET plays a stream as FLV,
// POST publishes one.
type Caster struct {
	cfg     *config.Config
	sources *stream.SourceManager
	tokens  *token.Manager
	pithy   *pithy.Stages

	// PublishHook mirrors the RTMP server's bridge wiring hook.
	PublishHook func(src *stream.LiveSource, req *stream.Request, cid coro.ContextId) error
}

// NewCaster wires the caster onto the shared services.
func NewCaster(cfg *config.Config, sources *stream.SourceManager, tokens *token.Manager, stages *pithy.Stages) *Caster {
	return &Caster{cfg: cfg, sources: sources, tokens: tokens, pithy: stages}
}

// ParsePath extracts app and stream from /app/stream.flv.
func ParsePath(path string) (app, name string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	if !strings.HasSuffix(path, ".flv") {
		return "", "", false
	}
	path = strings.TrimSuffix(path, ".flv")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ServeHTTP implements http.Handler for *.flv paths.
func (c *Caster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app, name, ok := ParsePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	req := stream.NewRequest("http", r.Host, app, name)
	if r.URL.RawQuery != "" {
		req.ParseStream(name + "?" + r.URL.RawQuery)
	}

	switch r.Method {
	case http.MethodGet:
		c.play(w, r, req)
	case http.MethodPost:
		c.publish(w, r, req)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// play attaches a consumer and streams tags until the client leaves.
func (c *Caster) play(w http.ResponseWriter, r *http.Request, req *stream.Request) {
	cid := coro.NewContextId()
	log := logger.Default().WithCid(cid)

	src := c.sources.Fetch(req.StreamURL())
	if src == nil || !src.Active() {
		// A player on an absent stream gets a 404 on this transport.
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	enc := flv.NewEncoder(w)
	if err := enc.WriteHeader(true, true); err != nil {
		log.Warn("flv header write failed", "err", err)
		return
	}
	flusher.Flush()

	consumer := src.CreateConsumer(cid)
	defer consumer.Close()

	pp := c.pithy.Enter(pithy.StageHTTPStream)
	defer pp.Close()

	trd := coro.NewWithCid("httpflv-play", coro.HandlerFunc(func() error { return nil }), cid)
	go func() {
		<-r.Context().Done()
		trd.Interrupt()
	}()

	log.Info("httpflv play start", "url", req.StreamURL())

	for {
		pkt, err := consumer.Dequeue(trd, dequeueTimeout)
		if err != nil {
			if errors.Is(err, coro.ErrTimeout) {
				continue
			}
			if !errors.Is(err, stream.ErrStreamEOF) && !errors.Is(err, coro.ErrInterrupted) {
				log.Warn("httpflv play done", "err", err)
			}
			return
		}

		var tagType byte
		switch pkt.Type {
		case stream.PacketAudio:
			tagType = flv.TagAudio
		case stream.PacketVideo:
			tagType = flv.TagVideo
		default:
			tagType = flv.TagScriptData
		}

		if err := enc.WriteTag(tagType, uint32(pkt.Timestamp), pkt.Payload); err != nil {
			log.Debug("httpflv client gone", "err", err)
			return
		}
		flusher.Flush()

		pp.Elapse()
		if pp.CanPrint() {
			log.Info("httpflv playing", "url", req.StreamURL(), "queue", consumer.Size())
		}
	}
}

// publish ingests an FLV stream from the request body.
func (c *Caster) publish(w http.ResponseWriter, r *http.Request, req *stream.Request) {
	cid := coro.NewContextId()
	log := logger.Default().WithCid(cid)

	tok, err := c.tokens.AcquireToken(req, cid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer tok.Close()

	src := c.sources.FetchOrCreate(req)
	if c.PublishHook != nil {
		if err := c.PublishHook(src, req, cid); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := src.OnPublish(cid); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer src.OnUnpublish()

	log.Info("httpflv publish start", "url", req.StreamURL())

	dec := flv.NewDecoder(r.Body)
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		tagType, timestamp, payload, err := dec.ReadTag()
		if err != nil {
			if err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn("httpflv publish done", "err", err)
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		var pkt *stream.MediaPacket
		switch tagType {
		case flv.TagAudio:
			pkt = stream.NewMediaPacket(stream.PacketAudio, int64(timestamp), payload)
		case flv.TagVideo:
			pkt = stream.NewMediaPacket(stream.PacketVideo, int64(timestamp), payload)
		case flv.TagScriptData:
			pkt = stream.NewMediaPacket(stream.PacketMetadata, int64(timestamp), payload)
		default:
			continue
		}

		if err := src.OnFrame(pkt); err != nil {
			log.Warn("httpflv frame rejected", "err", err)
			http.Error(w, fmt.Sprintf("frame rejected: %v", err), http.StatusInternalServerError)
			return
		}
	}
}
