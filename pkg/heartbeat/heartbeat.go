// Package heartbeat POSTs a periodic telemetry envelope to a configured
// HTTP endpoint. Failures are logged and ignored.
package heartbeat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/coro"
	"github.com/ethan/streamhub/pkg/logger"
)

// deviceIPEnv overrides the reported device address.
const deviceIPEnv = "STREAMHUB_DEVICE_IP"

// Summary providers feed the optional summaries block.
type Summary interface {
	Summaries() map[string]interface{}
}

// Worker runs blocking tasks off the shared timer coroutine; satisfied by
// *coro.AsyncCallWorker.
type Worker interface {
	Execute(t coro.AsyncCallTask) error
}

// Heartbeat owns the envelope assembly and the POST. Subscribe it to a
// shared timer; the timer callback only queues the beat on the async
// worker, the HTTP round trip never runs on the timer coroutine.
type Heartbeat struct {
	cfg      config.HeartbeatConfig
	full     *config.Config
	client   *http.Client
	serverID string
	pid      int
	summary  Summary
	worker   Worker

	mu       sync.Mutex
	lastBeat time.Time
}

// New creates a heartbeat from configuration; summary and worker may be
// nil, a nil worker makes Beat run on the caller.
func New(full *config.Config, summary Summary, worker Worker) *Heartbeat {
	deviceID := full.Heart.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()[:13]
	}
	cfg := full.Heart
	cfg.DeviceID = deviceID
	return &Heartbeat{
		cfg:      cfg,
		full:     full,
		client:   &http.Client{Timeout: 10 * time.Second},
		serverID: uuid.NewString(),
		pid:      os.Getpid(),
		summary:  summary,
		worker:   worker,
	}
}

// beatTask carries one heartbeat onto the async worker.
type beatTask struct {
	h *Heartbeat
}

// Call implements coro.AsyncCallTask.
func (t *beatTask) Call() error {
	t.h.Beat()
	return nil
}

// Desc implements coro.AsyncCallTask.
func (t *beatTask) Desc() string { return "heartbeat" }

// OnTimer implements coro.FastTimerHandler. Shared timer handlers must be
// non-blocking, so the POST is offloaded to the worker; errors never
// escape.
func (h *Heartbeat) OnTimer(interval time.Duration) error {
	if !h.cfg.Enabled || h.cfg.URL == "" {
		return nil
	}
	if h.worker == nil {
		h.Beat()
		return nil
	}
	if err := h.worker.Execute(&beatTask{h: h}); err != nil {
		logger.Warn("queue heartbeat failed", "err", err)
	}
	return nil
}

// Beat performs one heartbeat, swallowing any failure. Calls inside the
// configured interval are no-ops so the shared timer can over-drive it.
func (h *Heartbeat) Beat() {
	if !h.cfg.Enabled || h.cfg.URL == "" {
		return
	}

	h.mu.Lock()
	if !h.lastBeat.IsZero() && time.Since(h.lastBeat) < h.cfg.Interval {
		h.mu.Unlock()
		return
	}
	h.lastBeat = time.Now()
	h.mu.Unlock()
	if err := h.doBeat(); err != nil {
		logger.Warn("heartbeat failed", "url", h.cfg.URL, "err", err)
	}
}

func (h *Heartbeat) doBeat() error {
	envelope := map[string]interface{}{
		"device_id": h.cfg.DeviceID,
		"ip":        h.deviceIP(),
		"server":    h.serverID,
		"service":   h.serverID[:8],
		"pid":       fmt.Sprintf("%d", h.pid),
	}

	if h.cfg.Summaries && h.summary != nil {
		envelope["summaries"] = h.summary.Summaries()
	}

	if h.cfg.Ports {
		envelope["rtmp"] = []string{h.full.RTMPListen}
		envelope["http"] = []string{h.full.HTTPListen}
		envelope["api"] = []string{h.full.HTTPListen}
		if h.full.SRTListen != "" {
			envelope["srt"] = []string{h.full.SRTListen}
		}
		if h.full.RTC.Enabled {
			envelope["rtc"] = []string{"udp://" + h.full.HTTPListen}
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	resp, err := h.client.Post(h.cfg.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat status %d", resp.StatusCode)
	}
	return nil
}

// deviceIP prefers the environment override, then a local address.
func (h *Heartbeat) deviceIP() string {
	if ip := os.Getenv(deviceIPEnv); ip != "" {
		return ip
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}
