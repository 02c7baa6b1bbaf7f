package trace

import (
	"bytes"
	"context"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/NodePath81/netdiag/internal/util"
	"github.com/pkg/errors"
)

// HopProber sends one probe limited to ttl hops and returns the raw text the
// probe produced. It returns ErrProberUnavailable when it cannot run at all.
type HopProber interface {
	ProbeTTL(ctx context.Context, ip net.IP, ttl int, timeout time.Duration) (string, error)
}

var ErrProberUnavailable = errors.New("hop prober unavailable")

// pingExitFatal is the iputils exit status for errors other than a missing
// reply, such as a refused socket or bad arguments.
const pingExitFatal = 2

// ExecPinger runs the system ping binary.
type ExecPinger struct {
	Binary string
}

func (p ExecPinger) ProbeTTL(ctx context.Context, ip net.IP, ttl int, timeout time.Duration) (string, error) {
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{"-n", "-c", "1", "-W", strconv.Itoa(secs), "-t", strconv.Itoa(ttl), ip.String()}
	if ip.To4() == nil {
		args = append([]string{"-6"}, args...)
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout+500*time.Millisecond)
	defer cancel()
	cmd := exec.CommandContext(cmdCtx, p.Binary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != pingExitFatal {
			// ping exits 1 when no echo reply arrives, which is the normal
			// outcome for intermediate hops.
			return out.String(), nil
		}
		return out.String(), errors.Wrap(ErrProberUnavailable, err.Error())
	}
	return out.String(), nil
}

type TTLOptions struct {
	HopTimeout time.Duration
	Delay      time.Duration
}

// TTLTier raises the hop limit one step at a time and parses each probe.
type TTLTier struct {
	prober HopProber
	opts   TTLOptions
	logger util.Logger
}

func NewTTLTier(prober HopProber, opts TTLOptions, logger util.Logger) *TTLTier {
	return &TTLTier{prober: prober, opts: opts, logger: logger}
}

func (t *TTLTier) Method() Method { return MethodTTL }

func (t *TTLTier) Trace(ctx context.Context, req Request, emit func(Line)) error {
	structured := false
	for ttl := 1; ttl <= req.MaxHops; ttl++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := t.prober.ProbeTTL(ctx, req.IP, ttl, t.opts.HopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrProberUnavailable) {
				return err
			}
			t.logger.Debug().Err(err).Int("ttl", ttl).Msg("ttl probe failed")
		}
		reply := ParsePingOutput(out, req.IP)
		if reply.Address != "" || reply.RTTMs != nil {
			structured = true
		}
		hop := HopResult{Hop: ttl, Address: reply.Address, RTTMs: reply.RTTMs, Method: MethodTTL}
		if reply.Reached {
			hop.Label = LabelDestination
		}
		emit(Line{Text: FormatHop(ttl, reply.Address, reply.RTTMs), Hop: &hop})
		if reply.Reached {
			return nil
		}
		if !sleepCtx(ctx, t.opts.Delay) {
			return ctx.Err()
		}
	}
	if !structured {
		return ErrNoStructuredResult
	}
	return nil
}
