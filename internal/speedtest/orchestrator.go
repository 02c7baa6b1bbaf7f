package speedtest

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/catalog"
	"github.com/NodePath81/netdiag/internal/config"
	"github.com/NodePath81/netdiag/internal/diagerr"
	"github.com/NodePath81/netdiag/internal/latency"
	"github.com/NodePath81/netdiag/internal/observe"
	"github.com/NodePath81/netdiag/internal/transfer"
	"github.com/NodePath81/netdiag/internal/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	pingDoneProgress     = 5.0
	downloadDoneProgress = 50.0
)

type LatencyProber interface {
	Probe(ctx context.Context, host string) latency.Result
}

type Options struct {
	Rng      *rand.Rand
	OnFinish func(State)
	// OnBytes receives the number of bytes each finished download moved.
	OnBytes func(uint64)
}

// Orchestrator owns at most one measurement run at a time.
type Orchestrator struct {
	cfg     config.SpeedtestConfig
	targets *catalog.Catalog
	prober  LatencyProber
	sampler *transfer.Sampler
	sources []transfer.Source
	opts    Options
	logger  util.Logger

	state *observe.Value[State]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	rngMu  sync.Mutex
}

// NewOrchestrator builds an orchestrator. sources are tried in order during
// the download phase; a source is abandoned for the next one only when it
// fails before moving any bytes.
func NewOrchestrator(cfg config.SpeedtestConfig, targets *catalog.Catalog, prober LatencyProber, sampler *transfer.Sampler, sources []transfer.Source, opts Options, logger util.Logger) *Orchestrator {
	if opts.Rng == nil {
		opts.Rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.UploadSteps <= 0 {
		cfg.UploadSteps = 20
	}
	return &Orchestrator{
		cfg:     cfg,
		targets: targets,
		prober:  prober,
		sampler: sampler,
		sources: sources,
		opts:    opts,
		logger:  util.Component(logger, "speedtest"),
		state:   observe.NewValue(idleState()),
	}
}

func (o *Orchestrator) State() *observe.Value[State] {
	return o.state
}

func (o *Orchestrator) Snapshot() State {
	return o.state.Load()
}

// StartRun begins a measurement against target, or against the catalog's
// selection when target is nil. It returns false without touching the state
// when a run is already in progress.
func (o *Orchestrator) StartRun(target *catalog.TestTarget) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Load().Status == StatusRunning {
		return false
	}
	if o.done != nil {
		// A stopped run may still be closing its sampler.
		<-o.done
	}
	var selected catalog.TestTarget
	if target != nil {
		selected = *target
	} else {
		selected = o.targets.Select()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel = cancel
	o.done = done

	runID := uuid.NewString()
	o.state.Store(State{
		RunID:           runID,
		Target:          selected.Name,
		Status:          StatusRunning,
		Phase:           PhasePing,
		UploadSimulated: true,
		UploadSteps:     o.cfg.UploadSteps,
		StartedAt:       time.Now(),
	})
	o.logger.Info().Str("run_id", runID).Str("target", selected.Name).Msg("measurement started")

	go func() {
		defer close(done)
		defer cancel()
		o.run(ctx, runID, selected)
	}()
	return true
}

// Stop cancels the active run. Its state returns to idle and keeps the
// values measured so far.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	o.cancel = nil
	_, stopped := o.state.Update(func(cur State) (State, bool) {
		if cur.Status != StatusRunning {
			return cur, false
		}
		cur.Status = StatusIdle
		cur.Phase = PhaseIdle
		cur.FinishedAt = time.Now()
		return cur, true
	})
	if stopped {
		o.logger.Info().Msg("measurement stopped")
	}
	return stopped
}

// Wait blocks until the current run returns or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, runID string, target catalog.TestTarget) {
	logger := o.logger.With().Str("run_id", runID).Str("target", target.Name).Logger()

	if !sleepCtx(ctx, o.cfg.StartDelay) {
		return
	}

	host := util.HostFromURL(target.DownloadURL)
	if host == "" {
		host = o.cfg.FallbackHost
	}
	lat := o.prober.Probe(ctx, host)
	if ctx.Err() != nil {
		return
	}
	logger.Debug().Str("host", host).Int("latency_ms", lat.LatencyMs).Int("jitter_ms", lat.JitterMs).Bool("synthetic", lat.Synthetic).Msg("ping phase finished")
	if !o.update(runID, func(s State) State {
		s.LatencyMs = lat.LatencyMs
		s.JitterMs = lat.JitterMs
		s.LatencySynthetic = lat.Synthetic
		s.ProgressPct = pingDoneProgress
		return s
	}) {
		return
	}

	if !sleepCtx(ctx, o.cfg.PhaseDelay) {
		return
	}
	o.update(runID, func(s State) State {
		s.Phase = PhaseDownload
		return s
	})
	downloadMbps, derr := o.download(ctx, runID, target.DownloadURL)
	if ctx.Err() != nil {
		return
	}
	if derr != nil {
		logger.Warn().Err(derr).Str("kind", derr.Kind.String()).Msg("download failed")
		o.finish(runID, func(s State) State {
			s.Status = StatusError
			s.Error = "Download failed: " + diagerr.Message(derr.Kind)
			s.ErrorKind = derr.Kind.String()
			return s
		})
		return
	}

	if !sleepCtx(ctx, o.cfg.PhaseDelay) {
		return
	}
	o.update(runID, func(s State) State {
		s.Phase = PhaseUpload
		return s
	})
	if !o.simulateUpload(ctx, runID, downloadMbps) {
		return
	}

	final, ok := o.finish(runID, func(s State) State {
		s.Status = StatusDone
		s.Phase = PhaseCompleted
		s.ProgressPct = 100
		return s
	})
	if ok {
		logger.Info().
			Str("download", util.FormatMbps(final.DownloadMbps)).
			Str("upload", util.FormatMbps(final.UploadMbps)).
			Int("latency_ms", final.LatencyMs).
			Msg("measurement finished")
	}
}

// download samples the target with each source in turn and maps progress
// into [5,50]. A source that fails before any byte arrived yields to the
// next one; a failure after progress ends the phase. When the phase outlives
// DownloadTimeout the sampler is cancelled and the last observed rate stands.
func (o *Orchestrator) download(ctx context.Context, runID, url string) (float64, *diagerr.Error) {
	var timeout <-chan time.Time
	if o.cfg.DownloadTimeout > 0 {
		timer := time.NewTimer(o.cfg.DownloadTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	if len(o.sources) == 0 {
		return 0, diagerr.New(diagerr.Unknown, "download", errors.New("no download source configured"))
	}
	var lastErr *diagerr.Error
	for i, source := range o.sources {
		mbps, progressed, expired, derr := o.sample(ctx, runID, source, url, timeout)
		if ctx.Err() != nil || expired || derr == nil {
			return mbps, nil
		}
		lastErr = derr
		if progressed || i == len(o.sources)-1 {
			break
		}
		o.logger.Info().Str("run_id", runID).Int("source", i).Str("kind", derr.Kind.String()).Err(derr).Msg("download source failed before progress, trying next")
	}
	return 0, lastErr
}

// sample runs one sampler pass on source. progressed reports whether any
// byte arrived, expired whether the phase timeout fired.
func (o *Orchestrator) sample(ctx context.Context, runID string, source transfer.Source, url string, timeout <-chan time.Time) (mbps float64, progressed, expired bool, derr *diagerr.Error) {
	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := o.sampler.Measure(dlCtx, source, url)

	var lastMbps float64
	var lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return 0, lastBytes > 0, false, nil
		case <-timeout:
			o.logger.Info().Str("run_id", runID).Dur("timeout", o.cfg.DownloadTimeout).Msg("download wait expired, keeping last rate")
			cancel()
			o.addBytes(lastBytes)
			o.update(runID, func(s State) State {
				s.ProgressPct = downloadDoneProgress
				return s
			})
			return lastMbps, lastBytes > 0, true, nil
		case ev, ok := <-events:
			if !ok {
				return lastMbps, lastBytes > 0, false, nil
			}
			switch ev.Kind {
			case transfer.EventProgress:
				lastMbps = ev.Mbps
				lastBytes = ev.Bytes
				o.update(runID, func(s State) State {
					s.DownloadMbps = ev.Mbps
					s.DownloadBytes = ev.Bytes
					s.ProgressPct = pingDoneProgress + ev.Percent*(downloadDoneProgress-pingDoneProgress)/100
					return s
				})
			case transfer.EventDone:
				o.addBytes(ev.Bytes)
				o.update(runID, func(s State) State {
					s.DownloadMbps = ev.Mbps
					s.DownloadBytes = ev.Bytes
					s.ProgressPct = downloadDoneProgress
					if ev.TCP != nil {
						s.TCPRTTMs = float64(ev.TCP.RTT.Microseconds()) / 1000
						s.TCPRetransmits = ev.TCP.Retransmits
					}
					return s
				})
				return ev.Mbps, true, false, nil
			case transfer.EventFailed:
				o.addBytes(ev.Bytes)
				return 0, lastBytes > 0 || ev.Bytes > 0, false, ev.Err
			}
		}
	}
}

// simulateUpload ramps a rate derived from the download result. No bytes are
// sent; UploadSimulated marks every snapshot of the run.
func (o *Orchestrator) simulateUpload(ctx context.Context, runID string, downloadMbps float64) bool {
	target := downloadMbps * o.uploadRatio()
	steps := o.cfg.UploadSteps
	for i := 1; i <= steps; i++ {
		if !sleepCtx(ctx, o.cfg.UploadStepDelay) {
			return false
		}
		step := i
		if !o.update(runID, func(s State) State {
			s.UploadMbps = target * float64(step) / float64(steps)
			s.UploadStep = step
			s.ProgressPct = downloadDoneProgress + float64(step)*(100-downloadDoneProgress)/float64(steps)
			return s
		}) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) uploadRatio() float64 {
	lo, hi := o.cfg.UploadRatioMin, o.cfg.UploadRatioMax
	if hi <= lo {
		return lo
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return lo + o.opts.Rng.Float64()*(hi-lo)
}

func (o *Orchestrator) addBytes(n uint64) {
	if o.opts.OnBytes != nil && n > 0 {
		o.opts.OnBytes(n)
	}
}

// update applies fn while runID is the active run and reports whether it did.
func (o *Orchestrator) update(runID string, fn func(State) State) bool {
	_, ok := o.state.Update(func(cur State) (State, bool) {
		if cur.RunID != runID || cur.Status != StatusRunning {
			return cur, false
		}
		return fn(cur), true
	})
	return ok
}

func (o *Orchestrator) finish(runID string, fn func(State) State) (State, bool) {
	final, ok := o.state.Update(func(cur State) (State, bool) {
		if cur.RunID != runID || cur.Status != StatusRunning {
			return cur, false
		}
		next := fn(cur)
		next.FinishedAt = time.Now()
		return next, true
	})
	if ok && o.opts.OnFinish != nil {
		o.opts.OnFinish(final)
	}
	return final, ok
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
