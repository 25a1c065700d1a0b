package render

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of mean FPS for the render rate to count as stable.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected frame interval.
	jitterStabilityThreshold = 0.20
)

// FPSStats describes the frame rate over the meter window.
type FPSStats struct {
	Frames     int           `json:"frames"`
	Window     time.Duration `json:"window_ns"`
	Mean       float64       `json:"fps_mean"`
	StdDev     float64       `json:"fps_stddev"`
	Min        float64       `json:"fps_min"`
	Max        float64       `json:"fps_max"`
	JitterMean float64       `json:"jitter_mean_s"`
	JitterMax  float64       `json:"jitter_max_s"`
	IsStable   bool          `json:"is_stable"`
}

// FPSMeter keeps the timestamps of the last frames drawn.
type FPSMeter struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

// NewFPSMeter keeps the last size frame times.
func NewFPSMeter(size int) *FPSMeter {
	if size < 2 {
		size = 2
	}
	return &FPSMeter{times: make([]time.Time, size)}
}

// Tick records a frame.
func (m *FPSMeter) Tick(t time.Time) {
	m.mu.Lock()
	m.times[m.next] = t
	m.next = (m.next + 1) % len(m.times)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// Stats computes the statistics of the recorded window.
func (m *FPSMeter) Stats() FPSStats {
	m.mu.Lock()
	var ordered []time.Time
	if m.full {
		ordered = append(ordered, m.times[m.next:]...)
	}
	ordered = append(ordered, m.times[:m.next]...)
	m.mu.Unlock()

	return calculateFPSStats(ordered)
}

// calculateFPSStats computes mean, spread and jitter of the frame rate.
//
// Stability:
//   - FPS: stddev < 15% of mean
//   - Jitter: mean jitter < 20% of the expected interval
func calculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	if n < 2 {
		return FPSStats{Frames: n}
	}

	window := frameTimes[n-1].Sub(frameTimes[0])
	if window <= 0 {
		return FPSStats{Frames: n}
	}
	// n timestamps span n-1 intervals
	mean := float64(n-1) / window.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}
	if len(instantaneous) == 0 {
		return FPSStats{Frames: n, Window: window, Mean: mean}
	}

	lo, hi := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		lo = math.Min(lo, fps)
		hi = math.Max(hi, fps)
		diff := fps - mean
		sumSquares += diff * diff
	}
	stddev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	expected := 1.0 / mean
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs(frameTimes[i].Sub(frameTimes[i-1]).Seconds() - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(n-1)

	return FPSStats{
		Frames:     n,
		Window:     window,
		Mean:       mean,
		StdDev:     stddev,
		Min:        lo,
		Max:        hi,
		JitterMean: jitterMean,
		JitterMax:  jitterMax,
		IsStable:   stddev < mean*fpsStabilityThreshold && jitterMean < expected*jitterStabilityThreshold,
	}
}
