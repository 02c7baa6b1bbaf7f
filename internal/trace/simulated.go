package trace

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/gateway"
)

const SimulatedNotice = "Full route tracing requires elevated privileges, showing an estimated path"

type SimulatedOptions struct {
	Hops  int
	Delay time.Duration
}

// SimulatedTier emits an estimated path when no probing method worked. It
// always succeeds and always ends at the destination.
type SimulatedTier struct {
	opts    SimulatedOptions
	gateway gateway.Lookup

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedTier(opts SimulatedOptions, gw gateway.Lookup, rng *rand.Rand) *SimulatedTier {
	if opts.Hops <= 0 {
		opts.Hops = 5
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimulatedTier{opts: opts, gateway: gw, rng: rng}
}

func (t *SimulatedTier) Method() Method { return MethodSimulated }

func (t *SimulatedTier) Trace(ctx context.Context, req Request, emit func(Line)) error {
	emit(Line{Text: SimulatedNotice})
	n := t.opts.Hops
	if req.MaxHops > 0 && req.MaxHops < n {
		n = req.MaxHops
	}
	var gw net.IP
	if t.gateway != nil {
		if ip, err := t.gateway(); err == nil {
			gw = ip
		}
	}
	base := 1.0
	for i := 1; i <= n; i++ {
		if !sleepCtx(ctx, t.opts.Delay) {
			return ctx.Err()
		}
		hop := HopResult{Hop: i, Method: MethodSimulated}
		switch {
		case i == n:
			hop.Label = LabelDestination
			hop.Address = req.IP.String()
		case i == 1:
			hop.Label = LabelGateway
			if gw != nil {
				hop.Address = gw.String()
			}
		default:
			hop.Label = LabelIntermediate
		}
		base += t.jitter(i)
		rtt := base
		hop.RTTMs = &rtt
		addr := hop.Address
		if addr == "" {
			addr = "*"
		}
		emit(Line{Text: FormatHop(i, addr, hop.RTTMs) + "  " + hop.Label, Hop: &hop})
	}
	return nil
}

func (t *SimulatedTier) jitter(hop int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(hop)*2 + t.rng.Float64()*5
}
