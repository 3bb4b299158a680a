package rtmp

import (
	"fmt"
	"net"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/pithy"
	"github.com/ethan/streamhub/pkg/resource"
	"github.com/ethan/streamhub/pkg/stream"
	"github.com/ethan/streamhub/pkg/token"
)

// PublishHook lets the composition root wire bridges (RTC, HLS) onto a
// source before its publish edge.
type PublishHook func(src *stream.LiveSource, req *stream.Request, cid coro.ContextId) error

// Server accepts RTMP clients and runs one coroutine per connection.
type Server struct {
	cfg     *config.Config
	sources *stream.SourceManager
	tokens  *token.Manager
	manager *resource.Manager
	pithy   *pithy.Stages

	// PublishHook is optional; set before Listen.
	PublishHook PublishHook

	ln  net.Listener
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

// Listen binds the RTMP endpoint and starts accepting.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.RTMPListen)
	if err != nil {
		return fmt.Errorf("listen rtmp %s: %w", s.cfg.RTMPListen, err)
	}
	s.ln = ln
	logger.Info("rtmp server listening", "addr", s.cfg.RTMPListen)

	s.trd = coro.New("rtmp-listener", coro.HandlerFunc(s.acceptCycle))
	return s.trd.Start()
}

func (s *Server) acceptCycle() error {
	for {
		if err := s.trd.Pull(); err != nil {
			return err
		}

		nc, err := s.ln.Accept()
		if err != nil {
			if s.trd.Pull() != nil {
				return coro.ErrInterrupted
			}
			return fmt.Errorf("accept rtmp: %w", err)
		}

		conn := newServerConn(s, nc)
		s.manager.Add(conn, nil)
		if err := conn.Start(); err != nil {
			logger.Warn("start rtmp connection failed", "err", err)
			s.manager.Remove(conn)
		}
	}
}

// Close stops accepting and the listener coroutine.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.trd != nil {
		s.trd.Stop()
	}
}
