package trace

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/diagerr"
	"github.com/NodePath81/netdiag/internal/geo"
	"github.com/NodePath81/netdiag/internal/observe"
	"github.com/NodePath81/netdiag/internal/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const DefaultMaxHops = 30

type Resolver interface {
	ResolveOne(ctx context.Context, host string) (net.IP, error)
}

// Locator annotates responding addresses. geo.Annotator implements it.
type Locator interface {
	Lookup(ip net.IP) (geo.Location, bool)
}

// Tracer runs one trace at a time. Starting a new trace cancels the one in
// flight; lines already published by the old run stay as they were.
type Tracer struct {
	resolver Resolver
	tiers    []Strategy
	locator  Locator
	maxLimit int
	logger   util.Logger

	state *observe.Value[State]

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	onFinish func(State)
}

type Options struct {
	// MaxHopsLimit caps the hop count a caller may request.
	MaxHopsLimit int
	Locator      Locator
	OnFinish     func(State)
}

func NewTracer(resolver Resolver, tiers []Strategy, opts Options, logger util.Logger) *Tracer {
	if opts.MaxHopsLimit <= 0 {
		opts.MaxHopsLimit = 64
	}
	return &Tracer{
		resolver: resolver,
		tiers:    tiers,
		locator:  opts.Locator,
		maxLimit: opts.MaxHopsLimit,
		onFinish: opts.OnFinish,
		logger:   util.Component(logger, "trace"),
		state:    observe.NewValue(State{Status: StatusIdle}),
	}
}

// State exposes the published trace state.
func (t *Tracer) State() *observe.Value[State] {
	return t.state
}

func (t *Tracer) Snapshot() State {
	return t.state.Load().clone()
}

// Start begins tracing host and returns the new run id. A maxHops of zero
// selects DefaultMaxHops.
func (t *Tracer) Start(host string, maxHops int) string {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if maxHops > t.maxLimit {
		maxHops = t.maxLimit
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	runID := uuid.NewString()
	t.state.Store(State{
		RunID:     runID,
		Host:      host,
		MaxHops:   maxHops,
		Status:    StatusRunning,
		Lines:     []string{},
		Hops:      []HopResult{},
		StartedAt: time.Now(),
	})
	t.logger.Info().Str("run_id", runID).Str("host", host).Int("max_hops", maxHops).Msg("trace started")

	go func() {
		defer close(done)
		defer cancel()
		t.run(ctx, runID, host, maxHops)
	}()
	return runID
}

// Stop cancels the running trace, if any. The lines emitted so far are kept
// and the status returns to idle.
func (t *Tracer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return false
	}
	t.cancel()
	t.cancel = nil
	_, stopped := t.state.Update(func(cur State) (State, bool) {
		if cur.Status != StatusRunning {
			return cur, false
		}
		cur = cur.clone()
		cur.Status = StatusIdle
		cur.FinishedAt = time.Now()
		return cur, true
	})
	return stopped
}

// Wait blocks until the current run returns or ctx ends.
func (t *Tracer) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
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

func (t *Tracer) run(ctx context.Context, runID, host string, maxHops int) {
	logger := t.logger.With().Str("run_id", runID).Logger()

	ip, err := t.resolver.ResolveOne(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		derr := diagerr.New(diagerr.HostUnresolvable, "resolve", err)
		logger.Warn().Err(err).Msg("trace host unresolvable")
		t.finish(runID, func(s State) State {
			s.Status = StatusError
			s.ErrorKind = derr.Kind.String()
			s.Error = diagerr.Message(derr.Kind)
			s.Lines = append(s.Lines, "Unable to resolve "+host)
			return s
		})
		return
	}
	t.update(runID, func(s State) State {
		s.Address = ip.String()
		s.Lines = append(s.Lines, "traceroute to "+host+" ("+ip.String()+"), "+strconv.Itoa(maxHops)+" hops max")
		return s
	})

	req := Request{Host: host, IP: ip, MaxHops: maxHops}
	var lastErr error
	for _, tier := range t.tiers {
		if ctx.Err() != nil {
			return
		}
		emit := func(line Line) {
			if ctx.Err() != nil {
				return
			}
			t.update(runID, func(s State) State {
				s.Lines = append(s.Lines, line.Text)
				if line.Hop != nil {
					s.Hops = append(s.Hops, t.annotate(*line.Hop))
				}
				return s
			})
		}
		err := tier.Trace(ctx, req, emit)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Info().Str("tier", string(tier.Method())).Msg("trace finished")
			t.finish(runID, func(s State) State {
				s.Status = StatusDone
				s.Tier = tier.Method()
				return s
			})
			return
		}
		lastErr = err
		logger.Debug().Err(err).Str("tier", string(tier.Method())).Msg("trace tier failed, falling back")
	}

	if lastErr == nil {
		lastErr = errors.New("no trace tiers configured")
	}
	derr := diagerr.Wrap("trace", lastErr)
	t.finish(runID, func(s State) State {
		s.Status = StatusError
		s.ErrorKind = derr.Kind.String()
		s.Error = "Route trace failed: " + lastErr.Error()
		return s
	})
}

func (t *Tracer) annotate(hop HopResult) HopResult {
	if t.locator == nil || hop.Address == "" {
		return hop
	}
	if loc, ok := t.locator.Lookup(net.ParseIP(hop.Address)); ok {
		hop.Location = &loc
	}
	return hop
}

// update applies fn only while runID is still the published run, so a
// superseded run can never append to its successor.
func (t *Tracer) update(runID string, fn func(State) State) (State, bool) {
	return t.state.Update(func(cur State) (State, bool) {
		if cur.RunID != runID || cur.Status != StatusRunning {
			return cur, false
		}
		return fn(cur.clone()), true
	})
}

func (t *Tracer) finish(runID string, fn func(State) State) {
	final, ok := t.update(runID, func(s State) State {
		s = fn(s)
		s.FinishedAt = time.Now()
		return s
	})
	if ok && t.onFinish != nil {
		t.onFinish(final.clone())
	}
}
