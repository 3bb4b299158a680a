package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the server.
type Config struct {
	// Listen endpoints per protocol, host:port.
	RTMPListen    string
	HTTPListen    string
	SRTListen     string
	RTCCandidates []string

	// DefaultApp is used when a client connects without an app component.
	DefaultApp string

	// DefaultVhost is used when no vhost query parameter is given.
	DefaultVhost string

	ChunkSize int

	Consumer ConsumerConfig
	HLS      HLSConfig
	Breaker  BreakerConfig
	Heart    HeartbeatConfig
	RTC      RTCConfig

	// PithyPrintInterval gates steady-state progress logging.
	PithyPrintInterval time.Duration

	// Coworker is the origin hint (host or host:port) handed to redirected
	// players when this process is an edge.
	Coworker string
}

// ConsumerConfig bounds every subscriber queue.
type ConsumerConfig struct {
	MaxPackets  int
	MaxDuration time.Duration
	QueueBlock  time.Duration
}

// HLSConfig controls segment rotation.
type HLSConfig struct {
	Enabled      bool
	Path         string
	FragmentSecs time.Duration
	WindowSecs   time.Duration
	ExpireGrace  time.Duration
	SessionIdle  time.Duration
}

// BreakerConfig holds the CPU circuit-breaker thresholds and pulses.
type BreakerConfig struct {
	Enabled           bool
	HighThreshold     int
	HighPulse         int
	CriticalThreshold int
	CriticalPulse     int
	DyingThreshold    int
	DyingPulse        int
}

// HeartbeatConfig controls the outbound telemetry POST.
type HeartbeatConfig struct {
	Enabled   bool
	URL       string
	DeviceID  string
	Interval  time.Duration
	Summaries bool
	Ports     bool
}

// RTCConfig holds WebRTC specifics.
type RTCConfig struct {
	Enabled      bool
	NackEnabled  bool
	PliMinGap    time.Duration
	NackMaxAge   time.Duration
	NackMaxRetry int
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		RTMPListen:         ":1935",
		HTTPListen:         ":8080",
		SRTListen:          ":10080",
		DefaultApp:         "live",
		DefaultVhost:       "__defaultVhost__",
		ChunkSize:          60000,
		PithyPrintInterval: 10 * time.Second,
		Consumer: ConsumerConfig{
			MaxPackets:  512,
			MaxDuration: 30 * time.Second,
			QueueBlock:  time.Second,
		},
		HLS: HLSConfig{
			Enabled:      true,
			Path:         "./html",
			FragmentSecs: 10 * time.Second,
			WindowSecs:   60 * time.Second,
			ExpireGrace:  2 * time.Minute,
			SessionIdle:  2 * time.Minute,
		},
		Breaker: BreakerConfig{
			Enabled:           true,
			HighThreshold:     90,
			HighPulse:         2,
			CriticalThreshold: 95,
			CriticalPulse:     1,
			DyingThreshold:    99,
			DyingPulse:        5,
		},
		Heart: HeartbeatConfig{
			Enabled:  false,
			DeviceID: "",
			Interval: 9500 * time.Millisecond,
			Ports:    true,
		},
		RTC: RTCConfig{
			Enabled:      true,
			NackEnabled:  true,
			PliMinGap:    500 * time.Millisecond,
			NackMaxAge:   800 * time.Millisecond,
			NackMaxRetry: 5,
		},
	}
}

// Load reads configuration from a key=value file and overlays it on the
// defaults. Unknown keys are ignored so config files can be shared across
// versions.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		cfg.apply(key, value)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) apply(key, value string) {
	switch key {
	case "rtmp_listen":
		c.RTMPListen = value
	case "http_listen":
		c.HTTPListen = value
	case "srt_listen":
		c.SRTListen = value
	case "default_app":
		c.DefaultApp = value
	case "default_vhost":
		c.DefaultVhost = value
	case "chunk_size":
		c.ChunkSize = atoi(value, c.ChunkSize)
	case "coworker":
		c.Coworker = value
	case "pithy_print_ms":
		c.PithyPrintInterval = ms(value, c.PithyPrintInterval)
	case "consumer_max_packets":
		c.Consumer.MaxPackets = atoi(value, c.Consumer.MaxPackets)
	case "consumer_max_duration_ms":
		c.Consumer.MaxDuration = ms(value, c.Consumer.MaxDuration)
	case "hls_enabled":
		c.HLS.Enabled = value == "on" || value == "true"
	case "hls_path":
		c.HLS.Path = value
	case "hls_fragment_ms":
		c.HLS.FragmentSecs = ms(value, c.HLS.FragmentSecs)
	case "hls_window_ms":
		c.HLS.WindowSecs = ms(value, c.HLS.WindowSecs)
	case "circuit_breaker":
		c.Breaker.Enabled = value == "on" || value == "true"
	case "high_threshold":
		c.Breaker.HighThreshold = atoi(value, c.Breaker.HighThreshold)
	case "high_pulse":
		c.Breaker.HighPulse = atoi(value, c.Breaker.HighPulse)
	case "critical_threshold":
		c.Breaker.CriticalThreshold = atoi(value, c.Breaker.CriticalThreshold)
	case "critical_pulse":
		c.Breaker.CriticalPulse = atoi(value, c.Breaker.CriticalPulse)
	case "dying_threshold":
		c.Breaker.DyingThreshold = atoi(value, c.Breaker.DyingThreshold)
	case "dying_pulse":
		c.Breaker.DyingPulse = atoi(value, c.Breaker.DyingPulse)
	case "heartbeat_enabled":
		c.Heart.Enabled = value == "on" || value == "true"
	case "heartbeat_url":
		c.Heart.URL = value
	case "heartbeat_device_id":
		c.Heart.DeviceID = value
	case "heartbeat_interval_ms":
		c.Heart.Interval = ms(value, c.Heart.Interval)
	case "heartbeat_summaries":
		c.Heart.Summaries = value == "on" || value == "true"
	case "rtc_enabled":
		c.RTC.Enabled = value == "on" || value == "true"
	case "rtc_nack":
		c.RTC.NackEnabled = value == "on" || value == "true"
	}
}

func atoi(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func ms(v string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.RTMPListen == "" {
		return fmt.Errorf("missing rtmp_listen")
	}
	if c.HTTPListen == "" {
		return fmt.Errorf("missing http_listen")
	}
	if c.HLS.Enabled && c.HLS.FragmentSecs <= 0 {
		return fmt.Errorf("hls_fragment_ms must be positive")
	}
	if c.HLS.Enabled && c.HLS.WindowSecs < c.HLS.FragmentSecs {
		return fmt.Errorf("hls_window_ms must be at least one fragment")
	}
	if c.Heart.Enabled && c.Heart.URL == "" {
		return fmt.Errorf("missing heartbeat_url")
	}
	return nil
}
