package trace

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/NodePath81/netdiag/internal/geo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	ip  net.IP
	err error
}

func (r staticResolver) ResolveOne(context.Context, string) (net.IP, error) {
	return r.ip, r.err
}

// scriptedPinger answers with canned ping output per ttl.
type scriptedPinger struct {
	mu      sync.Mutex
	outputs map[int]string
	err     error
	calls   []int
	delay   time.Duration
}

func (p *scriptedPinger) ProbeTTL(ctx context.Context, ip net.IP, ttl int, timeout time.Duration) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ttl)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.err != nil {
		return "", p.err
	}
	return p.outputs[ttl], nil
}

type fixedLocator struct{}

func (fixedLocator) Lookup(ip net.IP) (geo.Location, bool) {
	if ip.Equal(net.ParseIP("1.1.1.1")) {
		return geo.Location{Country: "AU", Org: "Cloudflare"}, true
	}
	return geo.Location{}, false
}

func quietLogger() zerolog.Logger {
	return zerolog.Nop()
}

func fastSimulated() *SimulatedTier {
	gw := func() (net.IP, error) { return net.ParseIP("192.168.0.1"), nil }
	return NewSimulatedTier(SimulatedOptions{Hops: 5, Delay: time.Millisecond}, gw, rand.New(rand.NewSource(1)))
}

func waitDone(t *testing.T, tr *Tracer) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
	return tr.Snapshot()
}

func TestTracerTTLTierReachesDestination(t *testing.T) {
	pinger := &scriptedPinger{outputs: map[int]string{
		1: "From 192.168.0.1 icmp_seq=1 Time to live exceeded\n",
		2: "",
		3: "64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=9.81 ms\n",
	}}
	tiers := []Strategy{
		NewTTLTier(pinger, TTLOptions{HopTimeout: time.Second, Delay: time.Millisecond}, quietLogger()),
		fastSimulated(),
	}
	tr := NewTracer(staticResolver{ip: net.ParseIP("1.1.1.1")}, tiers, Options{Locator: fixedLocator{}}, quietLogger())
	tr.Start("one.one.one.one", 10)
	state := waitDone(t, tr)

	assert.Equal(t, StatusDone, state.Status)
	assert.Equal(t, MethodTTL, state.Tier)
	assert.Equal(t, []int{1, 2, 3}, pinger.calls)
	require.Len(t, state.Hops, 3)
	assert.Equal(t, " 1  192.168.0.1  *", state.Lines[1])
	assert.Equal(t, " 2  *  *", state.Lines[2])
	assert.Equal(t, " 3  1.1.1.1  9.81 ms", state.Lines[3])
	assert.Equal(t, LabelDestination, state.Hops[2].Label)
	require.NotNil(t, state.Hops[2].Location)
	assert.Equal(t, "AU", state.Hops[2].Location.Country)
	assert.False(t, state.FinishedAt.IsZero())
}

func TestTracerUnresolvableIsImmediateError(t *testing.T) {
	pinger := &scriptedPinger{}
	tiers := []Strategy{NewTTLTier(pinger, TTLOptions{HopTimeout: time.Second}, quietLogger()), fastSimulated()}
	var finished []State
	tr := NewTracer(staticResolver{err: errors.New("no such host")}, tiers, Options{OnFinish: func(s State) { finished = append(finished, s) }}, quietLogger())
	tr.Start("does-not-exist.invalid", 0)
	state := waitDone(t, tr)

	assert.Equal(t, StatusError, state.Status)
	assert.Equal(t, "host_unresolvable", state.ErrorKind)
	assert.NotEmpty(t, state.Error)
	assert.Empty(t, pinger.calls)
	assert.Empty(t, state.Hops)
	require.Len(t, finished, 1)
	assert.Equal(t, StatusError, finished[0].Status)
}

func TestTracerSilentHostFallsBackToSimulated(t *testing.T) {
	pinger := &scriptedPinger{outputs: map[int]string{}}
	tcp := NewTCPTier(TCPOptions{Ports: []int{9}, MaxHops: 3, HopTimeout: 50 * time.Millisecond}, quietLogger())
	tcp.control = nil
	tiers := []Strategy{
		NewTTLTier(pinger, TTLOptions{HopTimeout: 50 * time.Millisecond, Delay: time.Millisecond}, quietLogger()),
		tcp,
		fastSimulated(),
	}
	// TEST-NET-1 never answers.
	tr := NewTracer(staticResolver{ip: net.ParseIP("192.0.2.1")}, tiers, Options{}, quietLogger())
	tr.Start("192.0.2.1", 4)
	state := waitDone(t, tr)

	assert.Equal(t, StatusDone, state.Status)
	assert.Equal(t, MethodSimulated, state.Tier)
	assert.Len(t, pinger.calls, 4)
	assert.Contains(t, state.Lines, SimulatedNotice)

	var simulated []HopResult
	for _, hop := range state.Hops {
		if hop.Method == MethodSimulated {
			simulated = append(simulated, hop)
		}
	}
	require.Len(t, simulated, 4)
	assert.Equal(t, LabelGateway, simulated[0].Label)
	assert.Equal(t, "192.168.0.1", simulated[0].Address)
	assert.Equal(t, LabelIntermediate, simulated[1].Label)
	assert.Equal(t, LabelDestination, simulated[3].Label)
	assert.Equal(t, "192.0.2.1", simulated[3].Address)
	for i := 1; i < len(simulated); i++ {
		assert.Greater(t, *simulated[i].RTTMs, *simulated[i-1].RTTMs)
	}
}

func TestTracerSecondStartCancelsFirst(t *testing.T) {
	slow := &scriptedPinger{outputs: map[int]string{}, delay: 200 * time.Millisecond}
	tiers := []Strategy{NewTTLTier(slow, TTLOptions{HopTimeout: time.Second, Delay: time.Millisecond}, quietLogger()), fastSimulated()}
	tr := NewTracer(staticResolver{ip: net.ParseIP("1.1.1.1")}, tiers, Options{}, quietLogger())

	first := tr.Start("first.example", 30)
	time.Sleep(50 * time.Millisecond)
	second := tr.Start("second.example", 2)
	require.NotEqual(t, first, second)

	state := waitDone(t, tr)
	assert.Equal(t, second, state.RunID)
	assert.Equal(t, "second.example", state.Host)
	assert.Equal(t, StatusDone, state.Status)
	for _, line := range state.Lines {
		assert.NotContains(t, line, "first.example")
	}
	assert.True(t, strings.HasPrefix(state.Lines[0], "traceroute to second.example"))
}

func TestTracerStopLeavesLines(t *testing.T) {
	slow := &scriptedPinger{outputs: map[int]string{1: "From 10.0.0.1 icmp_seq=1 Time to live exceeded\n"}, delay: 30 * time.Millisecond}
	tiers := []Strategy{NewTTLTier(slow, TTLOptions{HopTimeout: time.Second, Delay: time.Millisecond}, quietLogger())}
	tr := NewTracer(staticResolver{ip: net.ParseIP("1.1.1.1")}, tiers, Options{}, quietLogger())
	tr.Start("1.1.1.1", 30)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, tr.Stop())
	state := waitDone(t, tr)
	assert.Equal(t, StatusIdle, state.Status)
	lines := len(state.Lines)
	assert.GreaterOrEqual(t, lines, 2)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, tr.Snapshot().Lines, lines)
}

func TestTTLTierUnavailableProberFallsThrough(t *testing.T) {
	pinger := &scriptedPinger{err: errors.Wrap(ErrProberUnavailable, "exec: not found")}
	tiers := []Strategy{NewTTLTier(pinger, TTLOptions{HopTimeout: time.Second}, quietLogger()), fastSimulated()}
	tr := NewTracer(staticResolver{ip: net.ParseIP("1.1.1.1")}, tiers, Options{}, quietLogger())
	tr.Start("1.1.1.1", 30)
	state := waitDone(t, tr)
	assert.Equal(t, MethodSimulated, state.Tier)
	assert.Len(t, pinger.calls, 1)
}

func TestTracerAllTiersFailIsError(t *testing.T) {
	pinger := &scriptedPinger{outputs: map[int]string{}}
	tiers := []Strategy{NewTTLTier(pinger, TTLOptions{HopTimeout: time.Second}, quietLogger())}
	tr := NewTracer(staticResolver{ip: net.ParseIP("1.1.1.1")}, tiers, Options{}, quietLogger())
	tr.Start("1.1.1.1", 2)
	state := waitDone(t, tr)
	assert.Equal(t, StatusError, state.Status)
	assert.Contains(t, state.Error, ErrNoStructuredResult.Error())
}

func TestTCPTierReachesLocalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	var ttls []int
	tier := NewTCPTier(TCPOptions{Ports: []int{port}, MaxHops: 10, HopTimeout: time.Second}, quietLogger())
	tier.control = func(ttl int) func(string, string, syscall.RawConn) error {
		ttls = append(ttls, ttl)
		return nil
	}
	var lines []Line
	err = tier.Trace(context.Background(), Request{IP: net.ParseIP("127.0.0.1"), MaxHops: 30}, func(l Line) { lines = append(lines, l) })
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, []int{1}, ttls)
	assert.Equal(t, port, lines[0].Hop.Port)
	assert.Equal(t, LabelDestination, lines[0].Hop.Label)
	assert.Contains(t, lines[0].Text, fmt.Sprintf("(tcp/%d)", port))
}

func TestTCPTierNoResponseLines(t *testing.T) {
	tier := NewTCPTier(TCPOptions{Ports: []int{80, 443}, MaxHops: 10, HopTimeout: 30 * time.Millisecond, Delay: time.Millisecond}, quietLogger())
	tier.control = nil
	var lines []Line
	err := tier.Trace(context.Background(), Request{IP: net.ParseIP("192.0.2.1"), MaxHops: 3}, func(l Line) { lines = append(lines, l) })
	assert.ErrorIs(t, err, ErrNoStructuredResult)
	require.Len(t, lines, 3)
	assert.Equal(t, " 1  *  no response", lines[0].Text)
	assert.Equal(t, " 3  *  no response", lines[2].Text)
}
