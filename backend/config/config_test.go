package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Layers(t *testing.T) {
	path := writeConfig(t, `
api_listen_addr: ":9000"
ws_listen_addr: ":9001"
log_level: debug
send_buffer: 32
ping_interval: 10s
pong_wait: 15s
allowed_origins:
  - http://board.example
`)
	t.Setenv(envConfigPath, path)
	t.Setenv("RELAY_WS_LISTEN_ADDR", ":7001")
	t.Setenv("RELAY_RATE_LIMIT", "50")

	cfg, err := Load([]string{"--log-level", "trace", "--rate-burst=5"})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.APIListenAddr, "from file")
	assert.Equal(t, ":7001", cfg.WSListenAddr, "env overrides file")
	assert.Equal(t, "trace", cfg.LogLevel, "flag overrides file")
	assert.Equal(t, 32, cfg.SendBuffer)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, 15*time.Second, cfg.PongWait)
	assert.Equal(t, []string{"http://board.example"}, cfg.AllowedOrigins)
	assert.Equal(t, float64(50), cfg.RateLimit)
	assert.Equal(t, 5, cfg.RateBurst)
}

func TestLoad_ConfigFlag(t *testing.T) {
	path := writeConfig(t, `api_listen_addr: ":9100"`)

	cfg, err := Load([]string{"-w", ":9200", "--config", path})
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.APIListenAddr)
	assert.Equal(t, ":9200", cfg.WSListenAddr)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "missing file", args: []string{"--config", "/nonexistent/relay.yaml"}},
		{name: "unknown flag", args: []string{"--no-such-flag"}},
		{name: "bad env value", env: map[string]string{"RELAY_SEND_BUFFER": "lots"}},
		{name: "pong shorter than ping", args: []string{"--ping-interval", "10s", "--pong-wait", "5s"}},
		{name: "zero buffer", args: []string{"--send-buffer", "0"}},
		{name: "rate without burst", args: []string{"--rate-limit", "10", "--rate-burst", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestLoad_InvalidIsTagged(t *testing.T) {
	_, err := Load([]string{"--api-listen-addr", ""})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_Help(t *testing.T) {
	_, err := Load([]string{"--help"})
	require.ErrorIs(t, err, pflag.ErrHelp)
}
