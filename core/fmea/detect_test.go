package fmea_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/core/fmea"
)

func nan() float64 { return math.NaN() }

func TestEncoderConsecutiveNaN(t *testing.T) {
	s, _ := newSystem(t)
	for i := 0; i < 4; i++ {
		_, ok := s.DetectEncoderFault(float32(nan()))
		assert.False(t, ok, "reading %d", i)
	}
	f, ok := s.DetectEncoderFault(float32(nan()))
	require.True(t, ok)
	assert.Equal(t, fmea.EncoderNaN, f)
	assert.Equal(t, uint32(5), s.Statistics(fmea.EncoderNaN).Consecutive)
}

func TestEncoderInterspersedNaN(t *testing.T) {
	s, _ := newSystem(t)
	fired := -1
	for i := 0; i < 20 && fired < 0; i++ {
		v := float32(1.0)
		if i%2 == 0 {
			v = float32(nan())
		}
		if _, ok := s.DetectEncoderFault(v); ok {
			fired = i
		}
	}
	// The fifth bad reading is at index 8.
	assert.Equal(t, 8, fired)
	assert.Equal(t, uint32(5), s.EncoderNaNCount())
	assert.Equal(t, uint32(1), s.Statistics(fmea.EncoderNaN).Consecutive)
}

func TestEncoderInfinityCounts(t *testing.T) {
	s, _ := newSystem(t)
	vals := []float32{
		float32(math.Inf(1)), float32(math.Inf(-1)), float32(nan()), float32(math.Inf(1)),
	}
	for _, v := range vals {
		_, ok := s.DetectEncoderFault(v)
		assert.False(t, ok)
	}
	_, ok := s.DetectEncoderFault(float32(math.Inf(-1)))
	assert.True(t, ok)
}

func TestEncoderSparseNaNOutsideWindow(t *testing.T) {
	cfg := fmea.DefaultConfig()
	cfg.Thresholds.EncoderNaNWindow = 10
	cfg.Thresholds.EncoderMaxNaNCount = 3
	s, err := fmea.NewSystem(timebase.NewSimClock(t0), cfg)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		v := float32(0.25)
		if i%5 == 0 {
			v = float32(nan())
		}
		_, ok := s.DetectEncoderFault(v)
		require.False(t, ok, "reading %d", i)
		assert.LessOrEqual(t, s.EncoderNaNCount(), uint32(2))
	}

	// Tightening the spacing trips the detector.
	var fired bool
	for i := 0; i < 10 && !fired; i++ {
		v := float32(0.25)
		if i%3 == 0 {
			v = float32(nan())
		}
		_, fired = s.DetectEncoderFault(v)
	}
	assert.True(t, fired)
}

func TestUsbTimeout(t *testing.T) {
	s, clk := newSystem(t)
	_, ok := s.DetectUsbTimeout()
	assert.False(t, ok, "no write recorded yet")

	s.DetectUsbFault(0, clk.Now())
	clk.Advance(10 * time.Millisecond)
	_, ok = s.DetectUsbTimeout()
	assert.False(t, ok)
	clk.Advance(time.Nanosecond)
	f, ok := s.DetectUsbTimeout()
	assert.True(t, ok)
	assert.Equal(t, fmea.UsbStall, f)

	s.DetectUsbFault(0, clk.Now())
	_, ok = s.DetectUsbTimeout()
	assert.False(t, ok)
}

func TestTimingViolationCounterDoesNotDecay(t *testing.T) {
	s, _ := newSystem(t)
	for i := 0; i < 99; i++ {
		_, ok := s.DetectTimingViolation(300 * time.Microsecond)
		assert.False(t, ok)
		_, ok = s.DetectTimingViolation(10 * time.Microsecond)
		assert.False(t, ok)
	}
	_, ok := s.DetectTimingViolation(250 * time.Microsecond)
	assert.False(t, ok, "jitter at the threshold is not a violation")
	f, ok := s.DetectTimingViolation(-400 * time.Microsecond)
	assert.True(t, ok)
	assert.Equal(t, fmea.TimingViolation, f)
}

func TestOvercurrent(t *testing.T) {
	tests := []struct {
		name    string
		current float32
		fires   bool
	}{
		{"Below limit", 9.9, false},
		{"At limit", 10, false},
		{"Above limit", 10.1, true},
		{"Negative above limit", -12, true},
		{"NaN", float32(nan()), true},
		{"Infinity", float32(math.Inf(1)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSystem(t)
			f, ok := s.DetectOvercurrent(tt.current)
			assert.Equal(t, tt.fires, ok)
			if ok {
				assert.Equal(t, fmea.Overcurrent, f)
			}
		})
	}
}

func TestThermalNaNCountsAsOverLimit(t *testing.T) {
	s, _ := newSystem(t)
	_, ok := s.DetectThermalFault(float32(nan()), false)
	assert.True(t, ok)
	s.DetectThermalFault(float32(nan()), true)
	assert.False(t, s.ThermalClearEligible())
}

func TestHandsOff(t *testing.T) {
	s, _ := newSystem(t)
	_, ok := s.DetectHandsOff(5 * time.Second)
	assert.False(t, ok)
	f, ok := s.DetectHandsOff(5*time.Second + time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, fmea.HandsOffTimeout, f)
}
