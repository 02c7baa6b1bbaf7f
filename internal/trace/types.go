// Package trace discovers the hops between this host and a destination.
package trace

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/NodePath81/netdiag/internal/geo"
	"github.com/pkg/errors"
)

type Method string

const (
	MethodTTL       Method = "ttl-probe"
	MethodTCP       Method = "tcp-probe"
	MethodSimulated Method = "simulated"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

const (
	LabelGateway      = "local gateway"
	LabelIntermediate = "intermediate hop"
	LabelDestination  = "destination reached"
)

// ErrNoStructuredResult means a tier ran but learned nothing about the path.
var ErrNoStructuredResult = errors.New("no structured result")

type HopResult struct {
	Hop      int           `json:"hop"`
	Address  string        `json:"address,omitempty"`
	RTTMs    *float64      `json:"rtt_ms,omitempty"`
	Method   Method        `json:"method"`
	Label    string        `json:"label,omitempty"`
	Port     int           `json:"port,omitempty"`
	Location *geo.Location `json:"location,omitempty"`
}

// Line is one entry of the trace log. Notices carry no hop.
type Line struct {
	Text string
	Hop  *HopResult
}

type Request struct {
	Host    string
	IP      net.IP
	MaxHops int
}

// Strategy is one fallback tier. Trace returns nil when it produced a usable
// result; emitted lines are kept even when it fails.
type Strategy interface {
	Method() Method
	Trace(ctx context.Context, req Request, emit func(Line)) error
}

type State struct {
	RunID      string      `json:"run_id,omitempty"`
	Host       string      `json:"host,omitempty"`
	Address    string      `json:"address,omitempty"`
	MaxHops    int         `json:"max_hops,omitempty"`
	Status     Status      `json:"status"`
	Tier       Method      `json:"tier,omitempty"`
	Lines      []string    `json:"lines"`
	Hops       []HopResult `json:"hops"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

func (s State) clone() State {
	s.Lines = append([]string(nil), s.Lines...)
	s.Hops = append([]HopResult(nil), s.Hops...)
	return s
}

// FormatHop renders "{ttl:2d}  {address-or-*}  {time-or-*}".
func FormatHop(hop int, addr string, rttMs *float64) string {
	if addr == "" {
		addr = "*"
	}
	return fmt.Sprintf("%2d  %s  %s", hop, addr, formatRTT(rttMs))
}

func formatRTT(rttMs *float64) string {
	if rttMs == nil {
		return "*"
	}
	return strconv.FormatFloat(*rttMs, 'f', 2, 64) + " ms"
}

func durationMs(d time.Duration) *float64 {
	ms := float64(d.Microseconds()) / 1000.0
	return &ms
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
