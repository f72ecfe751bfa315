package metrics

import (
	"math"
	"sort"
	"sync"
)

// Summary is a basic statistics snapshot over RTT samples.
type Summary struct {
	Count    int
	AvgRTTMs float64
	P95RTTMs float64
	MinRTTMs float64
	MaxRTTMs float64
	JitterMs float64 // mean absolute difference between consecutive samples
}

// Summarize computes summary statistics for RTT samples in arrival order.
func Summarize(rtts []float64) Summary {
	if len(rtts) == 0 {
		return Summary{Count: 0}
	}

	sorted := make([]float64, len(rtts))
	copy(sorted, rtts)
	sort.Float64s(sorted)

	var sum, sumDiff float64
	for i, v := range rtts {
		sum += v
		if i > 0 {
			sumDiff += math.Abs(v - rtts[i-1])
		}
	}

	jitter := 0.0
	if len(rtts) > 1 {
		jitter = sumDiff / float64(len(rtts)-1)
	}

	return Summary{
		Count:    len(rtts),
		AvgRTTMs: sum / float64(len(rtts)),
		P95RTTMs: percentile(sorted, 0.95),
		MinRTTMs: sorted[0],
		MaxRTTMs: sorted[len(sorted)-1],
		JitterMs: jitter,
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// Window keeps the most recent RTT samples.
type Window struct {
	mu     sync.Mutex
	size   int
	values []float64
}

// NewWindow returns a window holding up to size samples.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, values: make([]float64, 0, size)}
}

// Add records one sample, evicting the oldest when full.
func (w *Window) Add(rttMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:len(w.values)-1]
	}
	w.values = append(w.values, rttMs)
}

// Summary summarizes the samples currently held.
func (w *Window) Summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Summarize(w.values)
}
