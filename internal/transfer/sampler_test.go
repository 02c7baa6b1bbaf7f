package transfer

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/netdiag/internal/diagerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream yields random sized reads until total bytes, then failErr or EOF.
// A total of -1 streams forever.
type fakeStream struct {
	total   int64
	length  int64
	rng     *rand.Rand
	delay   time.Duration
	failErr error
	block   bool
	sent    int64
	closed  chan struct{}
	closeMu sync.Once
}

func newFakeStream(total, length int64, seed int64) *fakeStream {
	return &fakeStream{
		total:  total,
		length: length,
		rng:    rand.New(rand.NewSource(seed)),
		delay:  time.Millisecond,
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Length() int64 { return f.length }

func (f *fakeStream) Read(p []byte) (int, error) {
	if f.block {
		<-f.closed
		return 0, io.ErrClosedPipe
	}
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(f.delay):
	}
	if f.total >= 0 && f.sent >= f.total {
		if f.failErr != nil {
			return 0, f.failErr
		}
		return 0, io.EOF
	}
	n := 1 + f.rng.Intn(len(p))
	if f.total >= 0 && int64(n) > f.total-f.sent {
		n = int(f.total - f.sent)
	}
	f.sent += int64(n)
	return n, nil
}

func (f *fakeStream) Close() error {
	f.closeMu.Do(func() { close(f.closed) })
	return nil
}

func collect(t *testing.T, ch <-chan Event, within time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("sampler did not finish within %s", within)
			return events
		}
	}
}

func terminalCount(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func fastOptions() Options {
	return Options{ChunkSize: MinChunkSize, ReportInterval: MinReportInterval, MaxDuration: 5 * time.Second, StallTimeout: time.Second}
}

func TestSamplerProgressMonotonicFuzzed(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		total := int64(200_000 + seed*37_000)
		stream := newFakeStream(total, total, seed)
		events := collect(t, NewSampler(fastOptions()).Run(context.Background(), stream), 10*time.Second)

		require.NotEmpty(t, events, "seed %d", seed)
		assert.Equal(t, 1, terminalCount(events), "seed %d", seed)
		last := events[len(events)-1]
		require.Equal(t, EventDone, last.Kind, "seed %d", seed)
		assert.Equal(t, 100.0, last.Percent)
		assert.Equal(t, uint64(total), last.Bytes)

		prev := -1.0
		for i, ev := range events {
			assert.GreaterOrEqual(t, ev.Percent, prev, "seed %d event %d", seed, i)
			assert.LessOrEqual(t, ev.Percent, 100.0)
			prev = ev.Percent
			if ev.Terminal() {
				assert.Equal(t, len(events)-1, i, "terminal event must be last")
			}
		}
	}
}

func TestSamplerMidStreamErrorSingleTerminal(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		stream := newFakeStream(50_000*seed, -1, seed)
		stream.failErr = io.ErrUnexpectedEOF
		events := collect(t, NewSampler(fastOptions()).Run(context.Background(), stream), 5*time.Second)

		require.NotEmpty(t, events)
		assert.Equal(t, 1, terminalCount(events))
		last := events[len(events)-1]
		require.Equal(t, EventFailed, last.Kind)
		require.NotNil(t, last.Err)
		assert.Equal(t, diagerr.ConnectionFailure, last.Err.Kind)
	}
}

func TestSamplerUnknownLengthUsesElapsedBudget(t *testing.T) {
	opts := fastOptions()
	opts.MaxDuration = 400 * time.Millisecond
	stream := newFakeStream(-1, -1, 7)
	events := collect(t, NewSampler(opts).Run(context.Background(), stream), 3*time.Second)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Kind, "budget expiry ends the run successfully")
	assert.Equal(t, 100.0, last.Percent)
	assert.Greater(t, last.Mbps, 0.0)
	for _, ev := range events[:len(events)-1] {
		assert.Less(t, ev.Percent, 100.0+1e-9)
	}
}

func TestSamplerStallReportsTimeout(t *testing.T) {
	opts := fastOptions()
	opts.StallTimeout = 150 * time.Millisecond
	stream := newFakeStream(-1, -1, 1)
	stream.block = true
	events := collect(t, NewSampler(opts).Run(context.Background(), stream), 3*time.Second)

	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.Equal(t, diagerr.Timeout, events[0].Err.Kind)
}

func TestSamplerCancelHasNoTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stream := newFakeStream(-1, -1, 3)
	ch := NewSampler(fastOptions()).Run(ctx, stream)
	time.AfterFunc(150*time.Millisecond, cancel)
	events := collect(t, ch, 3*time.Second)
	assert.Equal(t, 0, terminalCount(events))
	select {
	case <-stream.closed:
	default:
		t.Fatalf("stream not closed after cancel")
	}
}

func throttledServer(t *testing.T, size, bytesPerSec int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		flusher, _ := w.(http.Flusher)
		const slice = 20 * time.Millisecond
		per := bytesPerSec / int(time.Second/slice)
		chunk := make([]byte, per)
		start := time.Now()
		for sent, i := 0, 1; sent < size; i++ {
			n := per
			if size-sent < n {
				n = size - sent
			}
			if _, err := w.Write(chunk[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			sent += n
			time.Sleep(time.Until(start.Add(time.Duration(i) * slice)))
		}
	}))
}

func TestMeasureThrottledHTTP(t *testing.T) {
	srv := throttledServer(t, 1_000_000, 1_000_000)
	defer srv.Close()

	sampler := NewSampler(Options{ReportInterval: 100 * time.Millisecond, MaxDuration: 10 * time.Second})
	events := collect(t, sampler.Measure(context.Background(), NewHTTPSource(HTTPOptions{}), srv.URL), 10*time.Second)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Kind, "err: %v", last.Err)
	assert.Equal(t, uint64(1_000_000), last.Bytes)
	assert.InEpsilon(t, 8.0, last.Mbps, 0.2)
	assert.Equal(t, 1, terminalCount(events))
}

func TestMeasureHTTPStatusIsProtocolFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	events := collect(t, NewSampler(fastOptions()).Measure(context.Background(), NewHTTPSource(HTTPOptions{}), srv.URL), 5*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.Equal(t, diagerr.ProtocolFailure, events[0].Err.Kind)
	assert.Contains(t, events[0].Err.Error(), "HTTP 404")
}

func TestMeasureConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	events := collect(t, NewSampler(fastOptions()).Measure(context.Background(), NewHTTPSource(HTTPOptions{ConnectTimeout: time.Second}), url), 5*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, diagerr.ConnectionFailure, events[0].Err.Kind)
}

func TestOptionsClamp(t *testing.T) {
	opts := NewSampler(Options{ChunkSize: 1, ReportInterval: time.Millisecond}).Options()
	assert.Equal(t, MinChunkSize, opts.ChunkSize)
	assert.Equal(t, MinReportInterval, opts.ReportInterval)
	assert.Equal(t, DefaultMaxDuration, opts.MaxDuration)

	opts = NewSampler(Options{ChunkSize: 1 << 20}).Options()
	assert.Equal(t, MaxChunkSize, opts.ChunkSize)
}
