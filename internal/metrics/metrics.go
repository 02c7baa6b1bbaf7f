package metrics

import (
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TargetMetrics holds the last completed measurement against one test target.
type TargetMetrics struct {
	DownloadMbps     float64
	UploadMbps       float64
	LatencyMs        float64
	JitterMs         float64
	LatencySynthetic bool
	UploadSimulated  bool
	RTTMs            float64
	Retransmits      uint64
	LastRun          time.Time
}

type Metrics struct {
	mu               sync.Mutex
	targets          map[string]*TargetMetrics
	runsTotal        map[string]uint64
	tracesTotal      map[string]uint64
	traceHops        map[string]uint64
	measurementBusy  bool
	traceBusy        bool
	bytesDownTotal   atomic.Uint64
	memoryAllocBytes uint64
	startTime        time.Time
}

func NewMetrics(targets []string) *Metrics {
	m := &Metrics{
		targets:     make(map[string]*TargetMetrics, len(targets)),
		runsTotal:   make(map[string]uint64),
		tracesTotal: make(map[string]uint64),
		traceHops:   make(map[string]uint64),
		startTime:   time.Now(),
	}
	for _, name := range targets {
		m.targets[name] = &TargetMetrics{}
	}
	return m
}

func (m *Metrics) Start(ctxDone <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctxDone:
				return
			case <-ticker.C:
				m.updatePerSecond()
			}
		}
	}()
}

func (m *Metrics) updatePerSecond() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryAllocBytes = mem.Alloc
}

// ObserveRun records a finished throughput run. Only successful runs update
// the per-target gauges.
func (m *Metrics) ObserveRun(target, status string, stats TargetMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runsTotal[status]++
	if status != "done" || target == "" {
		return
	}
	cur, ok := m.targets[target]
	if !ok {
		cur = &TargetMetrics{}
		m.targets[target] = cur
	}
	*cur = stats
	if cur.LastRun.IsZero() {
		cur.LastRun = time.Now()
	}
}

func (m *Metrics) GetTargetMetrics(target string) (TargetMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[target]
	if !ok || t == nil {
		return TargetMetrics{}, false
	}
	return *t, true
}

// ObserveTrace records a finished trace by the tier that produced it, or by
// "none" when every tier failed.
func (m *Metrics) ObserveTrace(tier, status string, hops int) {
	if tier == "" {
		tier = "none"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracesTotal[tier+"\x00"+status]++
	m.traceHops[tier] += uint64(hops)
}

func (m *Metrics) SetMeasurementBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.measurementBusy = busy
}

func (m *Metrics) SetTraceBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traceBusy = busy
}

func (m *Metrics) AddBytesDown(n uint64) {
	m.bytesDownTotal.Add(n)
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *Metrics) Render() string {
	m.mu.Lock()
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	targets := make(map[string]TargetMetrics, len(m.targets))
	for name, stat := range m.targets {
		targets[name] = *stat
	}
	runsTotal := copyUint64Map(m.runsTotal)
	tracesTotal := copyUint64Map(m.tracesTotal)
	traceHops := copyUint64Map(m.traceHops)
	measurementBusy := m.measurementBusy
	traceBusy := m.traceBusy
	memoryAlloc := m.memoryAllocBytes
	startTime := m.startTime
	m.mu.Unlock()

	var b strings.Builder
	writeTargetGauge(&b, "netdiag_download_mbps", names, func(name string) string {
		return formatFloat(targets[name].DownloadMbps)
	})
	writeTargetGauge(&b, "netdiag_upload_mbps", names, func(name string) string {
		return formatFloat(targets[name].UploadMbps)
	})
	writeTargetGauge(&b, "netdiag_latency_ms", names, func(name string) string {
		return formatFloat(targets[name].LatencyMs)
	})
	writeTargetGauge(&b, "netdiag_jitter_ms", names, func(name string) string {
		return formatFloat(targets[name].JitterMs)
	})
	writeTargetGauge(&b, "netdiag_tcp_rtt_ms", names, func(name string) string {
		return formatFloat(targets[name].RTTMs)
	})
	writeTargetGauge(&b, "netdiag_tcp_retransmits", names, func(name string) string {
		return strconv.FormatUint(targets[name].Retransmits, 10)
	})
	writeTargetGauge(&b, "netdiag_latency_synthetic", names, func(name string) string {
		return boolValue(targets[name].LatencySynthetic)
	})
	writeTargetGauge(&b, "netdiag_upload_simulated", names, func(name string) string {
		return boolValue(targets[name].UploadSimulated)
	})
	writeTargetGauge(&b, "netdiag_last_run_timestamp_seconds", names, func(name string) string {
		last := targets[name].LastRun
		if last.IsZero() {
			return "0"
		}
		return strconv.FormatInt(last.Unix(), 10)
	})

	b.WriteString("# TYPE netdiag_runs_total counter\n")
	for _, status := range sortedKeys(runsTotal) {
		b.WriteString("netdiag_runs_total{status=\"")
		b.WriteString(status)
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(runsTotal[status], 10))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE netdiag_traces_total counter\n")
	for _, key := range sortedKeys(tracesTotal) {
		tier, status, _ := strings.Cut(key, "\x00")
		b.WriteString("netdiag_traces_total{tier=\"")
		b.WriteString(tier)
		b.WriteString("\",status=\"")
		b.WriteString(status)
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(tracesTotal[key], 10))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE netdiag_trace_hops_total counter\n")
	for _, tier := range sortedKeys(traceHops) {
		b.WriteString("netdiag_trace_hops_total{tier=\"")
		b.WriteString(tier)
		b.WriteString("\"} ")
		b.WriteString(strconv.FormatUint(traceHops[tier], 10))
		b.WriteString("\n")
	}
	b.WriteString("# TYPE netdiag_measurement_running gauge\n")
	b.WriteString("netdiag_measurement_running ")
	b.WriteString(boolValue(measurementBusy))
	b.WriteString("\n")
	b.WriteString("# TYPE netdiag_trace_running gauge\n")
	b.WriteString("netdiag_trace_running ")
	b.WriteString(boolValue(traceBusy))
	b.WriteString("\n")
	b.WriteString("# TYPE netdiag_bytes_down_total counter\n")
	b.WriteString("netdiag_bytes_down_total ")
	b.WriteString(strconv.FormatUint(m.bytesDownTotal.Load(), 10))
	b.WriteString("\n")
	b.WriteString("# TYPE netdiag_memory_alloc_bytes gauge\n")
	b.WriteString("netdiag_memory_alloc_bytes ")
	b.WriteString(strconv.FormatUint(memoryAlloc, 10))
	b.WriteString("\n")
	b.WriteString("# TYPE netdiag_uptime_seconds gauge\n")
	b.WriteString("netdiag_uptime_seconds ")
	if startTime.IsZero() {
		b.WriteString("0\n")
	} else {
		b.WriteString(formatFloat(time.Since(startTime).Seconds()))
		b.WriteString("\n")
	}
	return b.String()
}

func writeTargetGauge(b *strings.Builder, name string, targets []string, value func(string) string) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" gauge\n")
	for _, target := range targets {
		b.WriteString(name)
		b.WriteString("{target=\"")
		b.WriteString(escapeLabel(target))
		b.WriteString("\"} ")
		b.WriteString(value(target))
		b.WriteString("\n")
	}
}

func escapeLabel(val string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(val)
}

func boolValue(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func sortedKeys(src map[string]uint64) []string {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyUint64Map(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}
