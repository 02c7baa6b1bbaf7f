package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 64*1024, cfg.Speedtest.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Speedtest.ReportInterval)
	assert.Equal(t, 15*time.Second, cfg.Speedtest.DownloadTimeout)
	assert.Equal(t, 20, cfg.Speedtest.UploadSteps)
	assert.Equal(t, "8.8.8.8", cfg.Speedtest.FallbackHost)
	assert.Equal(t, 10, cfg.Latency.Attempts)
	assert.Equal(t, time.Second, cfg.Latency.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Latency.Spacing)
	assert.Equal(t, 30, cfg.Trace.MaxHops)
	assert.Equal(t, []int{80, 443, 22, 21, 25, 110, 143}, cfg.Trace.TCPPorts)
	assert.Equal(t, []string{TierTTLProbe, TierTCPProbe, TierSimulated}, cfg.Trace.Tiers)
	assert.False(t, cfg.Control.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: DEBUG
  format: console
control:
  enabled: true
  auth_token: secret
  bind_port: 9090
speedtest:
  report_interval: 100ms
  download_timeout: 3s
trace:
  max_hops: 12
  tiers: [tcp-probe, simulated]
dns:
  servers: ["1.1.1.1", " "]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, 9090, cfg.Control.BindPort)
	assert.Equal(t, 100*time.Millisecond, cfg.Speedtest.ReportInterval)
	assert.Equal(t, 3*time.Second, cfg.Speedtest.DownloadTimeout)
	assert.Equal(t, 12, cfg.Trace.MaxHops)
	assert.Equal(t, []string{TierTCPProbe, TierSimulated}, cfg.Trace.Tiers)
	assert.Equal(t, []string{"1.1.1.1"}, cfg.DNS.Servers)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("NETDIAG_SPEEDTEST_UPLOAD_STEPS", "8")
	t.Setenv("NETDIAG_TRACE_PING_BINARY", "/bin/ping")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Speedtest.UploadSteps)
	assert.Equal(t, "/bin/ping", cfg.Trace.PingBinary)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"control.auth_token must not be empty": "control:\n  enabled: true\n",
		"speedtest.chunk_size":                 "speedtest:\n  chunk_size: 1024\n",
		"speedtest.report_interval":            "speedtest:\n  report_interval: 10ms\n",
		"trace.max_hops":                       "trace:\n  max_hops: 100\n",
		"unknown tier":                         "trace:\n  tiers: [bogus]\n",
		"duplicate tier":                       "trace:\n  tiers: [simulated, simulated]\n",
		"trace.simulated_hops":                 "trace:\n  simulated_hops: 9\n",
		"upload_ratio":                         "speedtest:\n  upload_ratio_min: 0.95\n  upload_ratio_max: 0.9\n",
		"logging.format":                       "logging:\n  format: xml\n",
		"latency.tcp_ports":                    "latency:\n  tcp_ports: [0]\n",
	}
	for want, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		if assert.Error(t, err, want) {
			assert.Contains(t, err.Error(), want)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}
