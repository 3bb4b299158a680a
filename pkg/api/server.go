// Package api is the HTTP surface: WHIP/WHEP WebRTC signaling, HLS
// playlist and segment serving with session tracking, HTTP-FLV, and the
// operator endpoints for streams and cluster redirects.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/coworkers"
	"github.com/ethan/streamhub/pkg/hls"
	"github.com/ethan/streamhub/pkg/httpflv"
	"github.com/ethan/streamhub/pkg/logger"
	"github.com/ethan/streamhub/pkg/resource"
	"github.com/ethan/streamhub/pkg/rtc"
	"github.com/ethan/streamhub/pkg/stream"
	"github.com/ethan/streamhub/pkg/token"
)

// Server mounts every HTTP-carried protocol on one listener.
type Server struct {
	cfg        *config.Config
	sources    *stream.SourceManager
	rtcSources *rtc.SourceManager
	tokens     *token.Manager
	manager    *resource.Manager
	flv        *httpflv.Caster
	sessions   *hls.SessionManager
	directory  *coworkers.Directory
	breaker    rtc.Breaker
	nackTimer  rtc.NackTimer

	// PublishHook wires bridges for WHIP publishers, same contract as the
	// RTMP server's hook.
	PublishHook func(src *stream.LiveSource, req *stream.Request, cid coro.ContextId) error

	httpSrv *http.Server
}

// NewServer assembles the HTTP surface.
func NewServer(cfg *config.Config, sources *stream.SourceManager, rtcSources *rtc.SourceManager,
	tokens *token.Manager, manager *resource.Manager, flvCaster *httpflv.Caster,
	sessions *hls.SessionManager, directory *coworkers.Directory,
	brk rtc.Breaker, nackTimer rtc.NackTimer) *Server {
	return &Server{
		cfg:        cfg,
		sources:    sources,
		rtcSources: rtcSources,
		tokens:     tokens,
		manager:    manager,
		flv:        flvCaster,
		sessions:   sessions,
		directory:  directory,
		breaker:    brk,
		nackTimer:  nackTimer,
	}
}

// Listen starts serving; it returns once the listener is bound.
func (s *Server) Listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/rtc/v1/whip/", s.handleWhip)
	mux.HandleFunc("/rtc/v1/whep/", s.handleWhep)
	mux.HandleFunc("/api/v1/clusters", s.handleClusters)
	mux.HandleFunc("/api/v1/streams", s.handleStreams)
	mux.HandleFunc("/", s.handleMedia)

	s.httpSrv = &http.Server{Addr: s.cfg.HTTPListen, Handler: mux}

	ln, err := net.Listen("tcp", s.cfg.HTTPListen)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.cfg.HTTPListen, err)
	}
	logger.Info("http server listening", "addr", s.cfg.HTTPListen)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
		}
	}()
	return nil
}

// Close shuts the HTTP surface down.
func (s *Server) Close() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}

// requestFromQuery builds a stream request from app/stream query params.
func (s *Server) requestFromQuery(r *http.Request) (*stream.Request, error) {
	q := r.URL.Query()
	app, name := q.Get("app"), q.Get("stream")
	if app == "" {
		app = s.cfg.DefaultApp
	}
	if name == "" {
		return nil, fmt.Errorf("missing stream parameter")
	}
	req := stream.NewRequest("webrtc", r.Host, app, name)
	req.Param = r.URL.RawQuery
	if v := q.Get("vhost"); v != "" {
		req.Vhost = v
	}
	return req, nil
}

// handleWhip accepts a WHIP publisher: SDP offer in, answer out.
func (s *Server) handleWhip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := s.requestFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read offer", http.StatusBadRequest)
		return
	}

	cid := coro.NewContextId()

	tok, err := s.tokens.AcquireToken(req, cid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	rtcSrc := s.rtcSources.FetchOrCreate(req)

	// The RTC publisher also drives the live domain through the frame
	// bridge installed by the composition root.
	if s.PublishHook != nil {
		liveSrc := s.sources.FetchOrCreate(req)
		if err := s.PublishHook(liveSrc, req, cid); err != nil {
			tok.Close()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	conn, answer, err := rtc.NewPublisher(rtcSrc, string(offer), s.cfg.RTC, s.breaker, s.nackTimer, cid)
	if err != nil {
		tok.Close()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn.BindToken(tok)

	if err := rtcSrc.OnPublish(cid); err != nil {
		conn.Close()
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.manager.Add(conn, nil)

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, answer)
}

// handleWhep accepts a WHEP player.
func (s *Server) handleWhep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := s.requestFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read offer", http.StatusBadRequest)
		return
	}

	cid := coro.NewContextId()
	rtcSrc := s.rtcSources.FetchOrCreate(req)

	conn, answer, err := rtc.NewPlayer(rtcSrc, string(offer), s.cfg.RTC, s.nackTimer, cid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.manager.Add(conn, nil)

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, answer)
}

// handleClusters answers coworker redirect queries.
func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dump := s.directory.Dumps(q.Get("vhost"), q.Get("coworker"), q.Get("app"), q.Get("stream"))

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{"code": 0, "data": nil}
	if dump != nil {
		resp["data"] = dump
	}
	json.NewEncoder(w).Encode(resp)
}

// handleStreams dumps the live source registry.
func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	type streamInfo struct {
		URL       string `json:"url"`
		Active    bool   `json:"active"`
		Consumers int    `json:"consumers"`
		Publisher string `json:"publisher_cid,omitempty"`
	}

	var infos []streamInfo
	for _, url := range s.sources.URLs() {
		src := s.sources.Fetch(url)
		if src == nil {
			continue
		}
		infos = append(infos, streamInfo{
			URL:       url,
			Active:    src.Active(),
			Consumers: src.ConsumerCount(),
			Publisher: src.PublisherCid().String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "streams": infos})
}

// handleMedia routes FLV, playlist and segment paths.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, ".flv"):
		s.flv.ServeHTTP(w, r)

	case strings.HasSuffix(path, ".m3u8"):
		s.servePlaylist(w, r)

	case strings.HasSuffix(path, ".ts"):
		s.serveSegment(w, r)

	default:
		http.NotFound(w, r)
	}
}

// servePlaylist creates or refreshes the viewer session, then serves the
// playlist file.
func (s *Server) servePlaylist(w http.ResponseWriter, r *http.Request) {
	app, name, ok := splitMediaPath(r.URL.Path, ".m3u8")
	if !ok {
		http.NotFound(w, r)
		return
	}
	req := stream.NewRequest("hls", r.Host, app, name)

	session := s.sessions.FetchOrCreate(r.URL.Query().Get("hls_ctx"), req)

	file := filepath.Join(s.cfg.HLS.Path, app, name+".m3u8")
	data, err := os.ReadFile(file)
	if err != nil {
		http.Error(w, "playlist not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Hls-Ctx", session.ID)
	w.Write(data)
}

// serveSegment validates the session then serves the TS file.
func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request) {
	app, name, ok := splitMediaPath(r.URL.Path, ".ts")
	if !ok {
		http.NotFound(w, r)
		return
	}

	if id := r.URL.Query().Get("hls_ctx"); id != "" {
		if s.sessions.Validate(id) == nil {
			http.Error(w, "unknown hls session", http.StatusForbidden)
			return
		}
	}

	file := filepath.Join(s.cfg.HLS.Path, app, name+".ts")
	w.Header().Set("Content-Type", "video/mp2t")
	http.ServeFile(w, r, file)
}

func splitMediaPath(path, ext string) (app, name string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, ext)
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
