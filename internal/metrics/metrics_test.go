package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRunUpdatesTargetOnSuccess(t *testing.T) {
	m := NewMetrics([]string{"Cloudflare"})
	m.ObserveRun("Cloudflare", "done", TargetMetrics{DownloadMbps: 94.5, UploadMbps: 60, LatencyMs: 12, JitterMs: 3, UploadSimulated: true})
	m.ObserveRun("Cloudflare", "error", TargetMetrics{DownloadMbps: 1})

	got, ok := m.GetTargetMetrics("Cloudflare")
	require.True(t, ok)
	assert.Equal(t, 94.5, got.DownloadMbps)
	assert.False(t, got.LastRun.IsZero())

	out := m.Render()
	assert.Contains(t, out, "netdiag_download_mbps{target=\"Cloudflare\"} 94.500000\n")
	assert.Contains(t, out, "netdiag_upload_simulated{target=\"Cloudflare\"} 1\n")
	assert.Contains(t, out, "netdiag_runs_total{status=\"done\"} 1\n")
	assert.Contains(t, out, "netdiag_runs_total{status=\"error\"} 1\n")
}

func TestObserveRunAddsUnknownTarget(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveRun("Custom \"lab\"", "done", TargetMetrics{DownloadMbps: 10})
	assert.Contains(t, m.Render(), `netdiag_download_mbps{target="Custom \"lab\""} 10.000000`)
}

func TestObserveTrace(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveTrace("tcp-probe", "done", 3)
	m.ObserveTrace("", "error", 0)
	m.ObserveTrace("tcp-probe", "done", 2)

	out := m.Render()
	assert.Contains(t, out, "netdiag_traces_total{tier=\"tcp-probe\",status=\"done\"} 2\n")
	assert.Contains(t, out, "netdiag_traces_total{tier=\"none\",status=\"error\"} 1\n")
	assert.Contains(t, out, "netdiag_trace_hops_total{tier=\"tcp-probe\"} 5\n")
}

func TestHandler(t *testing.T) {
	m := NewMetrics([]string{"OVH"})
	m.SetMeasurementBusy(true)
	m.AddBytesDown(1024)
	rec := httptest.NewRecorder()
	m.Handler(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "netdiag_measurement_running 1\n")
	assert.Contains(t, body, "netdiag_trace_running 0\n")
	assert.Contains(t, body, "netdiag_bytes_down_total 1024\n")
	assert.True(t, strings.HasSuffix(body, "\n"))
}
