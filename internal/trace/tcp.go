package trace

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/NodePath81/netdiag/internal/util"
	"github.com/pkg/errors"
)

type TCPOptions struct {
	Ports      []int
	MaxHops    int
	HopTimeout time.Duration
	Delay      time.Duration
}

// TCPTier connects to well known ports with a rising hop limit. A handshake
// that completes, or is actively refused, means the destination was reached
// within that many hops.
type TCPTier struct {
	opts   TCPOptions
	logger util.Logger
	// control is swapped in tests.
	control func(ttl int) func(network, address string, c syscall.RawConn) error
}

func NewTCPTier(opts TCPOptions, logger util.Logger) *TCPTier {
	return &TCPTier{opts: opts, logger: logger, control: ttlControl}
}

func (t *TCPTier) Method() Method { return MethodTCP }

type tcpAnswer struct {
	port int
	rtt  time.Duration
}

func (t *TCPTier) Trace(ctx context.Context, req Request, emit func(Line)) error {
	limit := req.MaxHops
	if t.opts.MaxHops > 0 && t.opts.MaxHops < limit {
		limit = t.opts.MaxHops
	}
	answered := false
	for ttl := 1; ttl <= limit; ttl++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ans, ok := t.probeHop(ctx, req.IP, ttl)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ok {
			answered = true
			hop := HopResult{
				Hop:     ttl,
				Address: req.IP.String(),
				RTTMs:   durationMs(ans.rtt),
				Method:  MethodTCP,
				Label:   LabelDestination,
				Port:    ans.port,
			}
			text := FormatHop(ttl, hop.Address, hop.RTTMs) + "  (tcp/" + strconv.Itoa(ans.port) + ")"
			emit(Line{Text: text, Hop: &hop})
			return nil
		}
		hop := HopResult{Hop: ttl, Method: MethodTCP}
		emit(Line{Text: fmt.Sprintf("%2d  *  no response", ttl), Hop: &hop})
		if !sleepCtx(ctx, t.opts.Delay) {
			return ctx.Err()
		}
	}
	if !answered {
		return ErrNoStructuredResult
	}
	return nil
}

// probeHop dials every port at once and returns the first one to answer.
func (t *TCPTier) probeHop(ctx context.Context, ip net.IP, ttl int) (tcpAnswer, bool) {
	hopCtx, cancel := context.WithTimeout(ctx, t.opts.HopTimeout)
	defer cancel()

	results := make(chan tcpAnswer, len(t.opts.Ports))
	for _, port := range t.opts.Ports {
		go func(port int) {
			dialer := net.Dialer{}
			if t.control != nil {
				dialer.Control = t.control(ttl)
			}
			start := time.Now()
			conn, err := dialer.DialContext(hopCtx, "tcp", util.NetJoin(ip.String(), port))
			rtt := time.Since(start)
			if err == nil {
				_ = conn.Close()
				results <- tcpAnswer{port: port, rtt: rtt}
				return
			}
			if hopCtx.Err() == nil && isRefused(err) {
				results <- tcpAnswer{port: port, rtt: rtt}
				return
			}
			t.logger.Debug().Err(err).Int("ttl", ttl).Int("port", port).Msg("tcp hop probe failed")
			results <- tcpAnswer{port: -1}
		}(port)
	}
	for range t.opts.Ports {
		select {
		case ans := <-results:
			if ans.port > 0 {
				return ans, true
			}
		case <-hopCtx.Done():
			return tcpAnswer{}, false
		}
	}
	return tcpAnswer{}, false
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
