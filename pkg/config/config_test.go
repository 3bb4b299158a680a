package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":1935", cfg.RTMPListen)
	require.Equal(t, "live", cfg.DefaultApp)
	require.True(t, cfg.HLS.WindowSecs >= cfg.HLS.FragmentSecs)
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.conf")
	content := `
# comment
rtmp_listen = :19350
default_app = show
hls_fragment_ms = 4000
hls_window_ms = 20000
high_threshold = 80
heartbeat_enabled = on
heartbeat_url = http://example.com/beat
rtc_nack = off
not_a_known_key = ignored
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":19350", cfg.RTMPListen)
	require.Equal(t, "show", cfg.DefaultApp)
	require.Equal(t, 4*time.Second, cfg.HLS.FragmentSecs)
	require.Equal(t, 20*time.Second, cfg.HLS.WindowSecs)
	require.Equal(t, 80, cfg.Breaker.HighThreshold)
	require.True(t, cfg.Heart.Enabled)
	require.False(t, cfg.RTC.NackEnabled)

	// Untouched keys keep their defaults.
	require.Equal(t, ":8080", cfg.HTTPListen)
}

func TestValidateRejectsBadWindows(t *testing.T) {
	cfg := Default()
	cfg.HLS.WindowSecs = time.Second
	cfg.HLS.FragmentSecs = 10 * time.Second
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Heart.Enabled = true
	cfg.Heart.URL = ""
	require.Error(t, cfg.Validate())
}
