package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowNeedsTwoSamples(t *testing.T) {
	w := NewWindow(2000, 10)
	assert.Equal(t, 0.0, w.Mbps())
	w.Add(Sample{Bytes: 1000, TimestampMs: 0})
	assert.Equal(t, 0.0, w.Mbps())
	w.Add(Sample{Bytes: 126000, TimestampMs: 1000})
	assert.InDelta(t, 1.0, w.Mbps(), 1e-9)
}

func TestWindowEvictsOldSamples(t *testing.T) {
	w := NewWindow(2000, 10)
	for i := uint64(0); i <= 10; i++ {
		w.Add(Sample{Bytes: i * 1000, TimestampMs: i * 500})
	}
	samples := w.Samples()
	assert.Equal(t, uint64(3000), samples[0].TimestampMs)
	assert.Equal(t, uint64(5000), samples[len(samples)-1].TimestampMs)
	assert.Len(t, samples, 5)
}

func TestWindowUsesLastTenSamples(t *testing.T) {
	w := NewWindow(2000, 10)
	// 20 samples 50ms apart all fit the span; the first ten send nothing.
	for i := uint64(0); i < 20; i++ {
		bytes := uint64(0)
		if i >= 10 {
			bytes = (i - 9) * 12500
		}
		w.Add(Sample{Bytes: bytes, TimestampMs: i * 50})
	}
	assert.Equal(t, 20, w.Len())
	// last 10 samples: 12500..125000 bytes across 450ms
	assert.InDelta(t, float64(112500*8)/0.45/1e6, w.Mbps(), 1e-9)
}

func TestWindowClampsBackwardsClock(t *testing.T) {
	w := NewWindow(2000, 10)
	w.Add(Sample{Bytes: 0, TimestampMs: 100})
	w.Add(Sample{Bytes: 10, TimestampMs: 50})
	assert.Equal(t, uint64(100), w.Samples()[1].TimestampMs)
	assert.Equal(t, 0.0, w.Mbps())
}

func TestBitsToMbps(t *testing.T) {
	assert.Equal(t, 0.0, BitsToMbps(100, 0))
	assert.InDelta(t, 8.0, BitsToMbps(1_000_000, 1), 1e-9)
}
