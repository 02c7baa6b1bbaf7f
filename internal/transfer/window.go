package transfer

// Sample is a cumulative byte count observed at a point in time, measured in
// milliseconds since the start of the transfer.
type Sample struct {
	Bytes       uint64
	TimestampMs uint64
}

// Window keeps recent samples. Entries older than span relative to the newest
// sample are evicted, and the rate uses at most the last maxSamples entries.
type Window struct {
	spanMs     uint64
	maxSamples int
	samples    []Sample
}

func NewWindow(spanMs uint64, maxSamples int) *Window {
	if maxSamples < 2 {
		maxSamples = 2
	}
	return &Window{spanMs: spanMs, maxSamples: maxSamples}
}

func (w *Window) Add(s Sample) {
	if n := len(w.samples); n > 0 && s.TimestampMs < w.samples[n-1].TimestampMs {
		s.TimestampMs = w.samples[n-1].TimestampMs
	}
	w.samples = append(w.samples, s)
	newest := s.TimestampMs
	drop := 0
	for drop < len(w.samples)-1 && newest-w.samples[drop].TimestampMs > w.spanMs {
		drop++
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
}

func (w *Window) Len() int {
	return len(w.samples)
}

func (w *Window) Samples() []Sample {
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Mbps returns the bitrate across the retained samples, or 0 with fewer than
// two samples or no elapsed time.
func (w *Window) Mbps() float64 {
	n := len(w.samples)
	if n < 2 {
		return 0
	}
	start := 0
	if n > w.maxSamples {
		start = n - w.maxSamples
	}
	first, last := w.samples[start], w.samples[n-1]
	if last.TimestampMs <= first.TimestampMs || last.Bytes < first.Bytes {
		return 0
	}
	secs := float64(last.TimestampMs-first.TimestampMs) / 1000.0
	return BitsToMbps(last.Bytes-first.Bytes, secs)
}

// BitsToMbps converts a byte count over secs seconds into megabits per second.
func BitsToMbps(bytes uint64, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / secs / 1e6
}
