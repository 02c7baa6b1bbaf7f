// Package latency measures round trip time and jitter to a host.
package latency

import (
	"context"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/util"
)

const (
	DefaultAttempts = 10
	DefaultTimeout  = 1 * time.Second
	DefaultSpacing  = 100 * time.Millisecond

	syntheticLatencyMin = 20
	syntheticLatencyMax = 100
	syntheticJitterMin  = 5
	syntheticJitterMax  = 20
)

// Checker performs a single reachability check and returns its round trip.
// The per-attempt deadline is carried by ctx.
type Checker interface {
	Name() string
	Check(ctx context.Context, ip net.IP) (time.Duration, error)
}

type Resolver interface {
	ResolveOne(ctx context.Context, host string) (net.IP, error)
}

type Options struct {
	Attempts int
	Timeout  time.Duration
	Spacing  time.Duration
}

type Result struct {
	LatencyMs int       `json:"latency_ms"`
	JitterMs  int       `json:"jitter_ms"`
	Synthetic bool      `json:"synthetic"`
	Attempts  int       `json:"attempts"`
	RTTsMs    []float64 `json:"rtts_ms,omitempty"`
}

type Prober struct {
	checker  Checker
	resolver Resolver
	opts     Options
	logger   util.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewProber(checker Checker, resolver Resolver, opts Options, rng *rand.Rand, logger util.Logger) *Prober {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Spacing < 0 {
		opts.Spacing = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Prober{
		checker:  checker,
		resolver: resolver,
		opts:     opts,
		rng:      rng,
		logger:   util.Component(logger, "latency"),
	}
}

// Probe never fails. Without a single successful check it returns a
// synthetic estimate flagged as such.
func (p *Prober) Probe(ctx context.Context, host string) Result {
	log := p.logger.With().Str("host", host).Logger()
	ip, err := p.resolver.ResolveOne(ctx, host)
	if err != nil {
		log.Warn().Err(err).Msg("latency target unresolved")
		return p.synthetic(0)
	}

	rtts := make([]float64, 0, p.opts.Attempts)
	attempts := 0
	for i := 0; i < p.opts.Attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		rtt, err := p.checker.Check(attemptCtx, ip)
		cancel()
		if err == nil {
			rtts = append(rtts, float64(rtt.Microseconds())/1000.0)
		} else {
			log.Debug().Err(err).Int("attempt", i+1).Msg("latency check failed")
		}
		if i < p.opts.Attempts-1 && !sleepCtx(ctx, p.opts.Spacing) {
			break
		}
	}

	if len(rtts) == 0 {
		log.Info().Int("attempts", attempts).Msg("no latency check succeeded, using estimate")
		return p.synthetic(attempts)
	}
	res := Result{
		LatencyMs: int(math.Round(Mean(rtts))),
		JitterMs:  int(math.Round(Jitter(rtts))),
		Attempts:  attempts,
		RTTsMs:    rtts,
	}
	log.Debug().Int("latency_ms", res.LatencyMs).Int("jitter_ms", res.JitterMs).Int("successes", len(rtts)).Msg("latency probe done")
	return res
}

func (p *Prober) synthetic(attempts int) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Result{
		LatencyMs: syntheticLatencyMin + p.rng.Intn(syntheticLatencyMax-syntheticLatencyMin+1),
		JitterMs:  syntheticJitterMin + p.rng.Intn(syntheticJitterMax-syntheticJitterMin+1),
		Synthetic: true,
		Attempts:  attempts,
	}
}

func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// Jitter is the mean absolute difference between consecutive samples.
func Jitter(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return sum / float64(len(samples)-1)
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
