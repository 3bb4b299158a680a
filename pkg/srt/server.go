// Package srt ingests and serves MPEG-TS over SRT using datarhei's pure
// Go stack. Stream identity rides in the SRT streamid, either the
// "#!::r=app/stream,m=publish" form or a plain "app/stream".
package srt

import (
	"fmt"
	"strings"

	gosrt "github.com/datarhei/gosrt"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/pithy"
	"github.com/ethan/streamhub/pkg/resource"
	"github.com/ethan/streamhub/pkg/stream"
	"github.com/ethan/streamhub/pkg/token"
)

// PublishHook mirrors the RTMP server's bridge wiring hook.
type PublishHook func(src *stream.LiveSource, req *stream.Request, cid coro.ContextId) error

// Server accepts SRT callers and runs one coroutine per connection.
type Server struct {
	cfg     *config.Config
	sources *stream.SourceManager
	tokens  *token.Manager
	manager *resource.Manager
	pithy   *pithy.Stages

	PublishHook PublishHook

	ln  gosrt.Listener
	trd *coro.Coroutine
}

// NewServer wires the server onto the shared services.
func NewServer(cfg *config.Config, sources *stream.SourceManager, tokens *token.Manager,
	manager *resource.Manager, stages *pithy.Stages) *Server {
	return &Server{
		cfg:     cfg,
		sources: sources,
		tokens:  tokens,
		manager: manager,
		pithy:   stages,
	}
}

// parseStreamId resolves the SRT streamid into a request plus mode.
func parseStreamId(streamid, defaultApp string) (*stream.Request, bool, error) {
	mode := "publish"
	res := streamid

	if strings.HasPrefix(streamid, "#!::") {
		res = ""
		for _, kv := range strings.Split(streamid[4:], ",") {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				continue
			}
			switch parts[0] {
			case "r":
				res = parts[1]
			case "m":
				mode = parts[1]
			}
		}
	}

	if res == "" {
		return nil, false, fmt.Errorf("empty srt streamid resource")
	}

	app, name := defaultApp, res
	if i := strings.Index(res, "/"); i >= 0 {
		app, name = res[:i], res[i+1:]
	}

	req := stream.NewRequest("srt", "", app, name)
	req.ParseStream(name)
	return req, mode == "publish", nil
}

// Listen binds the SRT endpoint and starts accepting.
func (s *Server) Listen() error {
	ln, err := gosrt.Listen("srt", s.cfg.SRTListen, gosrt.DefaultConfig())
	if err != nil {
		return fmt.Errorf("listen srt %s: %w", s.cfg.SRTListen, err)
	}
	s.ln = ln
	logger.Info("srt server listening", "addr", s.cfg.SRTListen)

	s.trd = coro.New("srt-listener", coro.HandlerFunc(s.acceptCycle))
	return s.trd.Start()
}

func (s *Server) acceptCycle() error {
	for {
		if err := s.trd.Pull(); err != nil {
			return err
		}

		conn, mode, err := s.ln.Accept(func(req gosrt.ConnRequest) gosrt.ConnType {
			if _, publish, err := parseStreamId(req.StreamId(), s.cfg.DefaultApp); err != nil {
				logger.Warn("reject srt caller", "streamid", req.StreamId(), "err", err)
				return gosrt.REJECT
			} else if publish {
				return gosrt.PUBLISH
			}
			return gosrt.SUBSCRIBE
		})
		if err != nil {
			if s.trd.Pull() != nil {
				return coro.ErrInterrupted
			}
			return fmt.Errorf("accept srt: %w", err)
		}
		if conn == nil {
			// Rejected by the callback.
			continue
		}

		req, publish, err := parseStreamId(conn.StreamId(), s.cfg.DefaultApp)
		if err != nil {
			conn.Close()
			continue
		}

		sc := newConn(s, conn, req, publish, mode == gosrt.PUBLISH)
		s.manager.Add(sc, nil)
		if err := sc.Start(); err != nil {
			logger.Warn("start srt connection failed", "err", err)
			s.manager.Remove(sc)
		}
	}
}

// Close stops accepting.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.trd != nil {
		s.trd.Stop()
	}
}
