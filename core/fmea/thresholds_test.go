package fmea_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/ffb-rt/core/fmea"
)

func TestThresholdPresetsAreValid(t *testing.T) {
	for _, name := range []string{"", "default", "conservative", "relaxed"} {
		th, err := fmea.ThresholdsPreset(name)
		require.NoError(t, err, name)
		assert.NoError(t, th.Validate(), name)
	}
	_, err := fmea.ThresholdsPreset("reckless")
	assert.ErrorIs(t, err, fmea.ErrInvalidThresholds)

	assert.Less(t, fmea.ConservativeThresholds().ThermalLimitC, fmea.DefaultThresholds().ThermalLimitC)
	assert.Greater(t, fmea.RelaxedThresholds().ThermalLimitC, fmea.DefaultThresholds().ThermalLimitC)
}

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(th *fmea.FaultThresholds)
	}{
		{"Zero USB timeout", func(th *fmea.FaultThresholds) { th.UsbTimeout = 0 }},
		{"Zero USB failures", func(th *fmea.FaultThresholds) { th.UsbMaxConsecutiveFailures = 0 }},
		{"Zero encoder count", func(th *fmea.FaultThresholds) { th.EncoderMaxNaNCount = 0 }},
		{"Encoder window below count", func(th *fmea.FaultThresholds) { th.EncoderNaNWindow = 4 }},
		{"Encoder window too large", func(th *fmea.FaultThresholds) { th.EncoderNaNWindow = 100000 }},
		{"Thermal limit too low", func(th *fmea.FaultThresholds) { th.ThermalLimitC = 39 }},
		{"Thermal limit too high", func(th *fmea.FaultThresholds) { th.ThermalLimitC = 121 }},
		{"Thermal limit NaN", func(th *fmea.FaultThresholds) { th.ThermalLimitC = float32(math.NaN()) }},
		{"Negative hysteresis", func(th *fmea.FaultThresholds) { th.ThermalHysteresisC = -1 }},
		{"Zero plugin timeout", func(th *fmea.FaultThresholds) { th.PluginTimeoutUs = 0 }},
		{"Zero plugin overruns", func(th *fmea.FaultThresholds) { th.PluginMaxOverruns = 0 }},
		{"Zero timing threshold", func(th *fmea.FaultThresholds) { th.TimingViolationThreshold = 0 }},
		{"Zero timing count", func(th *fmea.FaultThresholds) { th.TimingMaxViolations = 0 }},
		{"Zero overcurrent", func(th *fmea.FaultThresholds) { th.OvercurrentLimitA = 0 }},
		{"Infinite overcurrent", func(th *fmea.FaultThresholds) { th.OvercurrentLimitA = float32(math.Inf(1)) }},
		{"Negative hands-off", func(th *fmea.FaultThresholds) { th.HandsOffTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := fmea.DefaultThresholds()
			tt.modify(&th)
			assert.ErrorIs(t, th.Validate(), fmea.ErrInvalidThresholds)
		})
	}
}

func TestThresholdBoundaries(t *testing.T) {
	th := fmea.DefaultThresholds()
	th.ThermalLimitC = 40
	assert.NoError(t, th.Validate())
	th.ThermalLimitC = 120
	assert.NoError(t, th.Validate())
	th.ThermalHysteresisC = 0
	assert.NoError(t, th.Validate())
	th.EncoderNaNWindow = th.EncoderMaxNaNCount
	assert.NoError(t, th.Validate())
}
