// Package transfer streams a remote resource and reports throughput.
package transfer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/netdiag/internal/diagerr"
	"github.com/pkg/errors"
)

const (
	DefaultChunkSize      = 64 * 1024
	MinChunkSize          = 16 * 1024
	MaxChunkSize          = 64 * 1024
	DefaultReportInterval = 250 * time.Millisecond
	MinReportInterval     = 60 * time.Millisecond
	DefaultMaxDuration    = 10 * time.Second
	DefaultStallTimeout   = 4 * time.Second
	WindowSpanMs          = 2000
	WindowMaxSamples      = 10
)

var (
	errBudgetExpired = errors.New("time budget exhausted")
	errStalled       = errors.New("no data received")
)

// Stream is an open byte stream. Close may be called while a Read is in
// progress and must unblock it.
type Stream interface {
	io.ReadCloser
	// Length returns the total size in bytes, or -1 when unknown.
	Length() int64
}

// Source opens streams for URLs.
type Source interface {
	Open(ctx context.Context, url string) (Stream, error)
}

// TCPStatsReporter is implemented by streams that can report kernel TCP
// statistics for their connection.
type TCPStatsReporter interface {
	TCPStats() (TCPStats, bool)
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventDone
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventDone:
		return "done"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Percent float64
	Mbps    float64
	Bytes   uint64
	Elapsed time.Duration
	// Err is set on EventFailed and is always a *diagerr.Error.
	Err *diagerr.Error
	// TCP is set on EventDone when the stream exposes kernel statistics.
	TCP *TCPStats
}

func (e Event) Terminal() bool {
	return e.Kind != EventProgress
}

type Options struct {
	ChunkSize      int
	ReportInterval time.Duration
	MaxDuration    time.Duration
	StallTimeout   time.Duration
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize < MinChunkSize {
		o.ChunkSize = MinChunkSize
	}
	if o.ChunkSize > MaxChunkSize {
		o.ChunkSize = MaxChunkSize
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = DefaultReportInterval
	}
	if o.ReportInterval < MinReportInterval {
		o.ReportInterval = MinReportInterval
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	return o
}

type Sampler struct {
	opts Options
}

func NewSampler(opts Options) *Sampler {
	return &Sampler{opts: opts.normalized()}
}

func (s *Sampler) Options() Options {
	return s.opts
}

// Measure opens url on src and samples it. Open failures are reported as a
// single EventFailed.
func (s *Sampler) Measure(ctx context.Context, src Source, url string) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		runCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		stream, err := src.Open(runCtx, url)
		if err != nil {
			if ctx.Err() != nil {
				close(out)
				return
			}
			out <- Event{Kind: EventFailed, Err: diagerr.Wrap("open", err)}
			close(out)
			return
		}
		s.run(ctx, runCtx, cancel, stream, out)
	}()
	return out
}

// Run samples an already opened stream. The returned channel yields progress
// events followed by at most one terminal event and is then closed. When ctx
// is cancelled the channel closes without a terminal event.
func (s *Sampler) Run(ctx context.Context, stream Stream) <-chan Event {
	out := make(chan Event, 1)
	go func() {
		runCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		s.run(ctx, runCtx, cancel, stream, out)
	}()
	return out
}

func (s *Sampler) run(parent, ctx context.Context, cancel context.CancelCauseFunc, stream Stream, out chan<- Event) {
	defer close(out)

	var closeOnce sync.Once
	closeStream := func() {
		closeOnce.Do(func() { _ = stream.Close() })
	}
	defer closeStream()

	start := time.Now()
	var received atomic.Uint64
	var lastData atomic.Int64
	lastData.Store(start.UnixNano())

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		budget := time.NewTimer(s.opts.MaxDuration)
		defer budget.Stop()
		tick := time.NewTicker(s.opts.ReportInterval)
		defer tick.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ctx.Done():
				closeStream()
				return
			case <-budget.C:
				cancel(errBudgetExpired)
				closeStream()
				return
			case now := <-tick.C:
				if now.Sub(time.Unix(0, lastData.Load())) >= s.opts.StallTimeout {
					cancel(errStalled)
					closeStream()
					return
				}
			}
		}
	}()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-parent.Done():
			return false
		}
	}

	total := stream.Length()
	window := NewWindow(WindowSpanMs, WindowMaxSamples)
	window.Add(Sample{Bytes: 0, TimestampMs: 0})
	buf := make([]byte, s.opts.ChunkSize)
	lastReport := start
	var lastPercent float64

	var readErr error
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := stream.Read(buf)
		if n > 0 {
			bytes := received.Add(uint64(n))
			now := time.Now()
			lastData.Store(now.UnixNano())
			if now.Sub(lastReport) >= s.opts.ReportInterval {
				lastReport = now
				elapsed := now.Sub(start)
				window.Add(Sample{Bytes: bytes, TimestampMs: uint64(elapsed.Milliseconds())})
				pct := s.percent(bytes, total, elapsed)
				if pct < lastPercent {
					pct = lastPercent
				}
				lastPercent = pct
				if !emit(Event{Kind: EventProgress, Percent: pct, Mbps: window.Mbps(), Bytes: bytes, Elapsed: elapsed}) {
					return
				}
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	if parent.Err() != nil {
		return
	}
	elapsed := time.Since(start)
	bytes := received.Load()
	cause := context.Cause(ctx)
	switch {
	case errors.Is(readErr, io.EOF) || errors.Is(cause, errBudgetExpired):
		done := Event{Kind: EventDone, Percent: 100, Bytes: bytes, Elapsed: elapsed}
		secs := elapsed.Seconds()
		if secs < 0.001 {
			secs = 0.001
		}
		done.Mbps = BitsToMbps(bytes, secs)
		if done.Mbps == 0 {
			done.Mbps = window.Mbps()
		}
		if reporter, ok := stream.(TCPStatsReporter); ok {
			if stats, ok := reporter.TCPStats(); ok {
				done.TCP = &stats
			}
		}
		emit(done)
	case errors.Is(cause, errStalled):
		emit(Event{Kind: EventFailed, Bytes: bytes, Elapsed: elapsed, Err: diagerr.New(diagerr.Timeout, "read", errStalled)})
	default:
		if readErr == nil {
			readErr = errors.New("stream ended without data")
		}
		emit(Event{Kind: EventFailed, Bytes: bytes, Elapsed: elapsed, Err: diagerr.Wrap("read", readErr)})
	}
}

func (s *Sampler) percent(bytes uint64, total int64, elapsed time.Duration) float64 {
	var pct float64
	if total > 0 {
		pct = float64(bytes) * 100 / float64(total)
	} else {
		pct = float64(elapsed) * 100 / float64(s.opts.MaxDuration)
	}
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}
