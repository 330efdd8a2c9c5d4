package sched

import (
	"math"
	"slices"
	"time"

	"example.com/ffb-rt/base/timemath"
)

const (
	DefaultJitterCapacity = 10000

	// Latency gate of the control loop.
	MaxJitterP99      = 250 * time.Microsecond
	MaxMissedTickRate = 0.00001
)

type JitterSample struct {
	Jitter time.Duration
	Missed bool
}

// JitterMetrics accumulates tick timing statistics. Counters cover every
// recorded tick; percentiles cover the most recent samples held in a
// fixed-capacity ring buffer.
type JitterMetrics struct {
	totalTicks  uint64
	missedTicks uint64
	maxJitter   time.Duration
	lastJitter  time.Duration
	sum         float64
	sumSquares  float64
	samples     []JitterSample
	next        int
	full        bool
}

// JitterSnapshot is an owned copy of the statistics.
type JitterSnapshot struct {
	TotalTicks     uint64
	MissedTicks    uint64
	MaxJitter      time.Duration
	LastJitter     time.Duration
	MeanJitter     time.Duration
	StdDevJitter   time.Duration
	P50            time.Duration
	P95            time.Duration
	P99            time.Duration
	MissedTickRate float64
	SampleCount    int
}

func NewJitterMetrics(capacity int) *JitterMetrics {
	if capacity < 0 {
		capacity = 0
	}
	return &JitterMetrics{samples: make([]JitterSample, 0, capacity)}
}

func (m *JitterMetrics) Record(jitter time.Duration, missed bool) {
	m.totalTicks++
	if missed {
		m.missedTicks++
	}
	abs := timemath.Abs(jitter)
	if abs > m.maxJitter {
		m.maxJitter = abs
	}
	m.lastJitter = jitter
	f := float64(jitter)
	m.sum += f
	m.sumSquares += f * f

	c := cap(m.samples)
	if c == 0 {
		return
	}
	s := JitterSample{Jitter: jitter, Missed: missed}
	if len(m.samples) < c {
		m.samples = append(m.samples, s)
		return
	}
	m.samples[m.next] = s
	m.next = (m.next + 1) % c
	m.full = true
}

func (m *JitterMetrics) TotalTicks() uint64 { return m.totalTicks }

func (m *JitterMetrics) MissedTicks() uint64 { return m.missedTicks }

func (m *JitterMetrics) MaxJitter() time.Duration { return m.maxJitter }

func (m *JitterMetrics) LastJitter() time.Duration { return m.lastJitter }

func (m *JitterMetrics) MissedTickRate() float64 {
	if m.totalTicks == 0 {
		return 0
	}
	return float64(m.missedTicks) / float64(m.totalTicks)
}

// Samples returns the buffered samples, oldest first.
func (m *JitterMetrics) Samples() []JitterSample {
	out := make([]JitterSample, 0, len(m.samples))
	if m.full {
		out = append(out, m.samples[m.next:]...)
		out = append(out, m.samples[:m.next]...)
		return out
	}
	return append(out, m.samples...)
}

func (m *JitterMetrics) sortedAbs() []time.Duration {
	ds := make([]time.Duration, len(m.samples))
	for i, s := range m.samples {
		ds[i] = timemath.Abs(s.Jitter)
	}
	slices.Sort(ds)
	return ds
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	i := int(float64(n) * p)
	if i > n-1 {
		i = n - 1
	}
	return sorted[i]
}

// Percentile returns the p-quantile (p in [0, 1]) of the buffered absolute
// jitter values, or 0 if nothing is buffered.
func (m *JitterMetrics) Percentile(p float64) time.Duration {
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	return percentile(m.sortedAbs(), p)
}

func (m *JitterMetrics) Snapshot() JitterSnapshot {
	s := JitterSnapshot{
		TotalTicks:     m.totalTicks,
		MissedTicks:    m.missedTicks,
		MaxJitter:      m.maxJitter,
		LastJitter:     m.lastJitter,
		MissedTickRate: m.MissedTickRate(),
		SampleCount:    len(m.samples),
	}
	if m.totalTicks != 0 {
		n := float64(m.totalTicks)
		mean := m.sum / n
		variance := m.sumSquares/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		s.MeanJitter = time.Duration(mean)
		s.StdDevJitter = time.Duration(math.Sqrt(variance))
	}
	sorted := m.sortedAbs()
	s.P50 = percentile(sorted, 0.50)
	s.P95 = percentile(sorted, 0.95)
	s.P99 = percentile(sorted, 0.99)
	return s
}

func (m *JitterMetrics) Reset() {
	m.totalTicks = 0
	m.missedTicks = 0
	m.maxJitter = 0
	m.lastJitter = 0
	m.sum = 0
	m.sumSquares = 0
	m.samples = m.samples[:0]
	m.next = 0
	m.full = false
}

// MeetsRequirements reports whether the snapshot satisfies the loop's
// latency gate.
func (s JitterSnapshot) MeetsRequirements() bool {
	return s.P99 <= MaxJitterP99 && s.MissedTickRate <= MaxMissedTickRate
}
