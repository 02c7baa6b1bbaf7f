package app

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/catalog"
	"github.com/NodePath81/netdiag/internal/config"
	"github.com/NodePath81/netdiag/internal/control"
	"github.com/NodePath81/netdiag/internal/gateway"
	"github.com/NodePath81/netdiag/internal/geo"
	"github.com/NodePath81/netdiag/internal/history"
	"github.com/NodePath81/netdiag/internal/latency"
	"github.com/NodePath81/netdiag/internal/metrics"
	"github.com/NodePath81/netdiag/internal/resolver"
	"github.com/NodePath81/netdiag/internal/speedtest"
	"github.com/NodePath81/netdiag/internal/trace"
	"github.com/NodePath81/netdiag/internal/transfer"
	"github.com/NodePath81/netdiag/internal/util"
	"github.com/NodePath81/netdiag/internal/version"
	"github.com/pkg/errors"
)

const historyWriteTimeout = 5 * time.Second

// Runtime owns one fully wired set of diagnostics components.
type Runtime struct {
	cfg          config.Config
	ctx          context.Context
	cancel       context.CancelFunc
	logger       util.Logger
	resolver     *resolver.Resolver
	targets      *catalog.Catalog
	prober       *latency.Prober
	orchestrator *speedtest.Orchestrator
	tracer       *trace.Tracer
	history      *history.Store
	geo          *geo.Annotator
	metrics      *metrics.Metrics
	control      *control.ControlServer
	wg           sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var targets *catalog.Catalog
	var err error
	if cfg.Catalog.Path != "" {
		targets, err = catalog.Load(cfg.Catalog.Path, cfg.Catalog.Default, rng)
	} else {
		targets, err = catalog.New(catalog.Builtin(), cfg.Catalog.Default, rng)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	rt := &Runtime{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		resolver: resolver.NewResolver(cfg.DNS),
		targets:  targets,
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, cfg.History.Limit)
		if err != nil {
			cancel()
			return nil, err
		}
		rt.history = store
	}
	annotator, err := geo.Open(cfg.Geo.CityDB, cfg.Geo.ASNDB)
	if err != nil {
		rt.closeStores()
		cancel()
		return nil, err
	}
	rt.geo = annotator

	names := make([]string, 0)
	for _, t := range targets.Targets() {
		names = append(names, t.Name)
	}
	rt.metrics = metrics.NewMetrics(names)

	rt.prober = latency.NewProber(rt.latencyChecker(), rt.resolver, latency.Options{
		Attempts: cfg.Latency.Attempts,
		Timeout:  cfg.Latency.Timeout,
		Spacing:  cfg.Latency.Spacing,
	}, rand.New(rand.NewSource(rng.Int63())), logger)

	sampler := transfer.NewSampler(transfer.Options{
		ChunkSize:      cfg.Speedtest.ChunkSize,
		ReportInterval: cfg.Speedtest.ReportInterval,
		MaxDuration:    cfg.Speedtest.MaxDuration,
	})
	userAgent := cfg.Speedtest.UserAgent
	if userAgent == "" {
		userAgent = "netdiag/" + version.Version
	}
	sources := []transfer.Source{
		transfer.NewHTTPSource(transfer.HTTPOptions{UserAgent: userAgent}),
		transfer.NewHTTPSource(transfer.HTTPOptions{UserAgent: userAgent, ForceHTTP1: true}),
	}
	rt.orchestrator = speedtest.NewOrchestrator(cfg.Speedtest, targets, rt.prober, sampler, sources, speedtest.Options{
		Rng:      rand.New(rand.NewSource(rng.Int63())),
		OnFinish: rt.recordRun,
		OnBytes:  rt.metrics.AddBytesDown,
	}, logger)

	tiers, err := buildTiers(cfg.Trace, rand.New(rand.NewSource(rng.Int63())), logger)
	if err != nil {
		rt.closeStores()
		cancel()
		return nil, err
	}
	rt.tracer = trace.NewTracer(rt.resolver, tiers, trace.Options{
		MaxHopsLimit: config.MaxTraceHops,
		Locator:      annotator,
		OnFinish:     rt.recordTrace,
	}, logger)

	if cfg.Control.Enabled {
		var reader control.HistoryReader
		if rt.history != nil {
			reader = rt.history
		}
		rt.control = control.NewControlServer(cfg, rt.orchestrator, rt.tracer, targets, reader, rt.metrics, restartFn, logger)
	}
	return rt, nil
}

func (r *Runtime) latencyChecker() latency.Checker {
	checkers := make([]latency.Checker, 0, 2)
	if r.cfg.Latency.ICMPEnabled {
		checkers = append(checkers, latency.NewICMPChecker())
	}
	checkers = append(checkers, latency.NewTCPChecker(r.cfg.Latency.TCPPorts))
	return latency.NewChain(util.Component(r.logger, "latency"), checkers...)
}

// buildTiers maps the configured tier names onto strategies, in order.
func buildTiers(cfg config.TraceConfig, rng *rand.Rand, logger util.Logger) ([]trace.Strategy, error) {
	tierLogger := util.Component(logger, "trace")
	tiers := make([]trace.Strategy, 0, len(cfg.Tiers))
	for _, name := range cfg.Tiers {
		switch name {
		case config.TierTTLProbe:
			tiers = append(tiers, trace.NewTTLTier(trace.ExecPinger{Binary: cfg.PingBinary}, trace.TTLOptions{
				HopTimeout: cfg.HopTimeout,
				Delay:      cfg.TTLDelay,
			}, tierLogger))
		case config.TierTCPProbe:
			tiers = append(tiers, trace.NewTCPTier(trace.TCPOptions{
				Ports:      cfg.TCPPorts,
				MaxHops:    cfg.TCPMaxHops,
				HopTimeout: cfg.HopTimeout,
				Delay:      cfg.TCPDelay,
			}, tierLogger))
		case config.TierSimulated:
			tiers = append(tiers, trace.NewSimulatedTier(trace.SimulatedOptions{
				Hops:  cfg.SimulatedHops,
				Delay: cfg.SimulatedDelay,
			}, gateway.Default, rng))
		default:
			return nil, errors.Errorf("unknown trace tier %q", name)
		}
	}
	return tiers, nil
}

func (r *Runtime) Start() error {
	r.metrics.Start(r.ctx.Done())
	r.watchBusy()
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			return err
		}
	}
	r.logger.Info().Str("version", version.Version).Bool("control", r.control != nil).Bool("history", r.history != nil).Msg("runtime started")
	return nil
}

// watchBusy mirrors the running state of both subsystems into metrics.
func (r *Runtime) watchBusy() {
	measurement := r.orchestrator.State().Subscribe()
	traces := r.tracer.State().Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer measurement.Close()
		defer traces.Close()
		for {
			select {
			case <-r.ctx.Done():
				return
			case s, ok := <-measurement.C():
				if !ok {
					return
				}
				r.metrics.SetMeasurementBusy(s.Status == speedtest.StatusRunning)
			case s, ok := <-traces.C():
				if !ok {
					return
				}
				r.metrics.SetTraceBusy(s.Status == trace.StatusRunning)
			}
		}
	}()
}

func (r *Runtime) Stop() {
	r.cancel()
	r.orchestrator.Stop()
	r.tracer.Stop()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = r.orchestrator.Wait(waitCtx)
	_ = r.tracer.Wait(waitCtx)
	cancel()
	r.orchestrator.State().Close()
	r.tracer.State().Close()
	r.wg.Wait()
	r.closeStores()
}

func (r *Runtime) closeStores() {
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("close history")
		}
	}
	if r.geo != nil {
		_ = r.geo.Close()
	}
}

func (r *Runtime) Orchestrator() *speedtest.Orchestrator { return r.orchestrator }

func (r *Runtime) Tracer() *trace.Tracer { return r.tracer }

func (r *Runtime) Catalog() *catalog.Catalog { return r.targets }

func (r *Runtime) Prober() *latency.Prober { return r.prober }

// History returns the store, or nil when history is disabled.
func (r *Runtime) History() *history.Store { return r.history }

func (r *Runtime) recordRun(state speedtest.State) {
	var stats metrics.TargetMetrics
	if state.Status == speedtest.StatusDone {
		stats = metrics.TargetMetrics{
			DownloadMbps:     state.DownloadMbps,
			UploadMbps:       state.UploadMbps,
			LatencyMs:        float64(state.LatencyMs),
			JitterMs:         float64(state.JitterMs),
			LatencySynthetic: state.LatencySynthetic,
			UploadSimulated:  state.UploadSimulated,
			RTTMs:            state.TCPRTTMs,
			Retransmits:      state.TCPRetransmits,
			LastRun:          state.FinishedAt,
		}
	}
	r.metrics.ObserveRun(state.Target, string(state.Status), stats)

	summary := state.Error
	if state.Status == speedtest.StatusDone {
		summary = "down " + util.FormatMbps(state.DownloadMbps) + ", up " + util.FormatMbps(state.UploadMbps) + " (estimated)"
	}
	r.record(history.Entry{
		ID:         state.RunID,
		Kind:       history.KindThroughput,
		Subject:    state.Target,
		Status:     string(state.Status),
		Summary:    summary,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}, state)
}

func (r *Runtime) recordTrace(state trace.State) {
	r.metrics.ObserveTrace(string(state.Tier), string(state.Status), len(state.Hops))

	summary := state.Error
	if state.Status == trace.StatusDone {
		summary = string(state.Tier)
	}
	r.record(history.Entry{
		ID:         state.RunID,
		Kind:       history.KindTrace,
		Subject:    state.Host,
		Status:     string(state.Status),
		Summary:    summary,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}, state)
}

func (r *Runtime) record(entry history.Entry, detail any) {
	if r.history == nil {
		return
	}
	data, err := json.Marshal(detail)
	if err != nil {
		r.logger.Warn().Err(err).Str("run_id", entry.ID).Msg("encode history detail")
	} else {
		entry.Detail = data
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := r.history.Record(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("run_id", entry.ID).Str("kind", string(entry.Kind)).Msg("record history")
	}
}
