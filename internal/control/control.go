package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/catalog"
	"github.com/NodePath81/netdiag/internal/config"
	"github.com/NodePath81/netdiag/internal/history"
	"github.com/NodePath81/netdiag/internal/metrics"
	"github.com/NodePath81/netdiag/internal/observe"
	"github.com/NodePath81/netdiag/internal/speedtest"
	"github.com/NodePath81/netdiag/internal/trace"
	"github.com/NodePath81/netdiag/internal/util"
	"github.com/NodePath81/netdiag/internal/version"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	wsTokenPrefix     = "netdiag-token."
	wsPrimaryProtocol = "netdiag"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
	maxHistoryLimit   = 500
)

// Measurer is the throughput side of the control surface.
type Measurer interface {
	StartRun(target *catalog.TestTarget) bool
	Stop() bool
	Snapshot() speedtest.State
	State() *observe.Value[speedtest.State]
}

// Tracer is the route tracing side of the control surface.
type Tracer interface {
	Start(host string, maxHops int) string
	Stop() bool
	Snapshot() trace.State
	State() *observe.Value[trace.State]
}

type HistoryReader interface {
	List(ctx context.Context, kind history.Kind, limit int) ([]history.Entry, error)
}

type ControlServer struct {
	fullCfg   config.Config
	cfg       config.ControlConfig
	hostname  string
	measurer  Measurer
	tracer    Tracer
	targets   *catalog.Catalog
	history   HistoryReader
	metrics   *metrics.Metrics
	restartFn func() error
	logger    util.Logger
	server    *http.Server
	limiter   *rateLimiter
}

func NewControlServer(cfg config.Config, measurer Measurer, tracer Tracer, targets *catalog.Catalog, hist HistoryReader, metrics *metrics.Metrics, restartFn func() error, logger util.Logger) *ControlServer {
	return &ControlServer{
		fullCfg:   cfg,
		cfg:       cfg.Control,
		hostname:  cfg.Hostname,
		measurer:  measurer,
		tracer:    tracer,
		targets:   targets,
		history:   hist,
		metrics:   metrics,
		restartFn: restartFn,
		logger:    util.Component(logger, "control"),
		limiter:   newRateLimiter(rpcRatePerSecond, rpcRateBurst, 5*time.Minute),
	}
}

// Handler builds the HTTP routes. Start serves it; tests use it directly.
func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.Enabled && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	if c.cfg.WebSocket.Enabled {
		mux.HandleFunc("/ws/measurement", c.handleMeasurementStream)
		mux.HandleFunc("/ws/trace", c.handleTraceStream)
	}
	mux.HandleFunc("/identity", c.handleIdentity)
	return mux
}

func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen control %s", addr)
	}
	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("control server error")
		}
	}()
	c.logger.Info().Str("addr", addr).Msg("control server started")
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type startRunParams struct {
	Target string `json:"target,omitempty"`
}

type startRunResult struct {
	Started bool            `json:"started"`
	State   speedtest.State `json:"state"`
}

type startTraceParams struct {
	Host    string `json:"host"`
	MaxHops int    `json:"max_hops,omitempty"`
}

type startTraceResult struct {
	RunID string `json:"run_id"`
}

type historyParams struct {
	Kind  string `json:"kind,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "StartThroughputRun":
		var params startRunParams
		if !decodeParams(w, req.Params, &params) {
			return
		}
		var target *catalog.TestTarget
		if name := strings.TrimSpace(params.Target); name != "" {
			found, ok := c.targets.Lookup(name)
			if !ok {
				writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "target not found"})
				return
			}
			target = &found
		}
		started := c.measurer.StartRun(target)
		if started {
			c.logger.Info().Str("target", params.Target).Msg("throughput run requested")
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: startRunResult{Started: started, State: c.measurer.Snapshot()}})
	case "StopThroughputRun":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: map[string]bool{"stopped": c.measurer.Stop()}})
	case "StartTrace":
		var params startTraceParams
		if !decodeParams(w, req.Params, &params) {
			return
		}
		host := strings.TrimSpace(params.Host)
		if host == "" {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "host must not be empty"})
			return
		}
		if params.MaxHops < 0 || params.MaxHops > config.MaxTraceHops {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "max_hops out of range"})
			return
		}
		maxHops := params.MaxHops
		if maxHops == 0 {
			maxHops = c.fullCfg.Trace.MaxHops
		}
		runID := c.tracer.Start(host, maxHops)
		c.logger.Info().Str("host", host).Int("max_hops", maxHops).Str("run_id", runID).Msg("trace requested")
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: startTraceResult{RunID: runID}})
	case "StopTrace":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: map[string]bool{"stopped": c.tracer.Stop()}})
	case "GetMeasurementState":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.measurer.Snapshot()})
	case "GetTraceState":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.tracer.Snapshot()})
	case "ListTargets":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.targets.Targets()})
	case "GetHistory":
		if c.history == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "history disabled"})
			return
		}
		var params historyParams
		if !decodeParams(w, req.Params, &params) {
			return
		}
		kind := history.Kind(strings.ToLower(strings.TrimSpace(params.Kind)))
		if kind != "" && kind != history.KindThroughput && kind != history.KindTrace {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "kind must be throughput or trace"})
			return
		}
		limit := params.Limit
		if limit <= 0 || limit > maxHistoryLimit {
			limit = c.fullCfg.History.Limit
		}
		entries, err := c.history.List(r.Context(), kind, limit)
		if err != nil {
			c.logger.Warn().Err(err).Msg("history query failed")
			writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: "history unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: entries})
	case "GetRuntimeConfig":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.getRuntimeConfig()})
	case "Restart":
		if c.restartFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart unavailable"})
			return
		}
		go func() {
			c.logger.Info().Msg("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error().Err(err).Msg("restart failed")
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

// decodeParams accepts absent params as the zero value.
func decodeParams(w http.ResponseWriter, raw json.RawMessage, dst any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
		return false
	}
	return true
}

func (c *ControlServer) getRuntimeConfig() map[string]interface{} {
	cfg := c.fullCfg
	return map[string]interface{}{
		"hostname": cfg.Hostname,
		"speedtest": map[string]interface{}{
			"chunk_size":        cfg.Speedtest.ChunkSize,
			"report_interval":   cfg.Speedtest.ReportInterval.String(),
			"max_duration":      cfg.Speedtest.MaxDuration.String(),
			"download_timeout":  cfg.Speedtest.DownloadTimeout.String(),
			"upload_steps":      cfg.Speedtest.UploadSteps,
			"upload_step_delay": cfg.Speedtest.UploadStepDelay.String(),
			"upload_simulated":  true,
			"fallback_host":     cfg.Speedtest.FallbackHost,
		},
		"latency": map[string]interface{}{
			"attempts":     cfg.Latency.Attempts,
			"timeout":      cfg.Latency.Timeout.String(),
			"spacing":      cfg.Latency.Spacing.String(),
			"icmp_enabled": cfg.Latency.ICMPEnabled,
			"tcp_ports":    cfg.Latency.TCPPorts,
		},
		"trace": map[string]interface{}{
			"max_hops":        cfg.Trace.MaxHops,
			"hop_timeout":     cfg.Trace.HopTimeout.String(),
			"tiers":           cfg.Trace.Tiers,
			"tcp_ports":       cfg.Trace.TCPPorts,
			"tcp_max_hops":    cfg.Trace.TCPMaxHops,
			"simulated_hops":  cfg.Trace.SimulatedHops,
			"simulated_delay": cfg.Trace.SimulatedDelay.String(),
		},
		"dns": map[string]interface{}{
			"servers": cfg.DNS.Servers,
		},
		"history": map[string]interface{}{
			"enabled": cfg.History.Enabled,
			"limit":   cfg.History.Limit,
		},
		"control": map[string]interface{}{
			"bind_addr": cfg.Control.BindAddr,
			"bind_port": cfg.Control.BindPort,
			"websocket": map[string]interface{}{
				"enabled": cfg.Control.WebSocket.Enabled,
			},
			"metrics": map[string]interface{}{
				"enabled": cfg.Control.Metrics.Enabled,
			},
		},
	}
}

func (c *ControlServer) handleMeasurementStream(w http.ResponseWriter, r *http.Request) {
	serveState(c, w, r, "measurement_state", c.measurer.State())
}

func (c *ControlServer) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	serveState(c, w, r, "trace_state", c.tracer.State())
}

func (c *ControlServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return c.originAllowed(r) },
		Subprotocols: []string{wsPrimaryProtocol},
	}
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	name := strings.TrimSpace(c.hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		IPs:      listActiveIPs(),
		Version:  version.Version,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func listActiveIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	addrs := collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
	})
	if len(addrs) > 0 {
		return addrs
	}
	return collectIPs(ifaces, func(iface net.Interface) bool {
		return iface.Flags&net.FlagLoopback == 0
	})
}

func collectIPs(ifaces []net.Interface, filter func(net.Interface) bool) []string {
	ips := make([]string, 0)
	for _, iface := range ifaces {
		if !filter(iface) {
			continue
		}
		addrList, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrList {
			ip := addrToIP(addr)
			if ip == "" {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}

func addrToIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.IPNet:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	case *net.IPAddr:
		if v.IP == nil {
			return ""
		}
		return v.IP.String()
	default:
		return ""
	}
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler(w, r)
}

func (c *ControlServer) checkAuth(r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *ControlServer) checkStreamAuth(r *http.Request) bool {
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (c *ControlServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rate    float64
	burst   float64
	ttl     time.Duration
}

type clientLimiter struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rate float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate,
		burst:   float64(burst),
		ttl:     ttl,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	limiter := r.clients[key]
	if limiter != nil && now.Sub(limiter.last) > r.ttl {
		delete(r.clients, key)
		limiter = nil
	}
	if limiter == nil {
		r.clients[key] = &clientLimiter{
			tokens: r.burst - 1,
			last:   now,
		}
		return true
	}
	elapsed := now.Sub(limiter.last).Seconds()
	limiter.tokens = min(r.burst, limiter.tokens+elapsed*r.rate)
	limiter.last = now
	if limiter.tokens < 1 {
		return false
	}
	limiter.tokens -= 1
	return true
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
