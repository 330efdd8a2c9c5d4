package fmea_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/core/fmea"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newSystem(t *testing.T) (*fmea.System, *timebase.SimClock) {
	t.Helper()
	clk := timebase.NewSimClock(t0)
	return fmea.NewDefaultSystem(clk), clk
}

func rampFor(s *fmea.System, clk *timebase.SimClock, d time.Duration) {
	for i := time.Duration(0); i < d; i += time.Millisecond {
		clk.Advance(time.Millisecond)
		s.UpdateSoftStop(time.Millisecond)
	}
}

func TestNewSystemRejectsBadConfig(t *testing.T) {
	clk := timebase.NewSimClock(t0)

	cfg := fmea.DefaultConfig()
	cfg.Thresholds.UsbMaxConsecutiveFailures = 0
	_, err := fmea.NewSystem(clk, cfg)
	assert.ErrorIs(t, err, fmea.ErrInvalidThresholds)

	cfg = fmea.DefaultConfig()
	cfg.Matrix[fmea.UsbStall].Action = fmea.FaultAction(77)
	_, err = fmea.NewSystem(clk, cfg)
	assert.ErrorIs(t, err, fmea.ErrUnknownFaultAction)

	cfg = fmea.DefaultConfig()
	cfg.MinFaultDuration = -time.Millisecond
	_, err = fmea.NewSystem(clk, cfg)
	assert.ErrorIs(t, err, fmea.ErrInvalidThresholds)

	_, err = fmea.NewSystem(nil, fmea.DefaultConfig())
	assert.Error(t, err)
}

func TestUsbStallLifecycle(t *testing.T) {
	s, clk := newSystem(t)
	assert.Equal(t, fmea.Normal, s.State())
	assert.Equal(t, float32(1), s.TorqueMultiplier())

	for n := uint32(0); n < 3; n++ {
		_, ok := s.DetectUsbFault(n, time.Time{})
		assert.False(t, ok, "failures = %d", n)
	}
	f, ok := s.DetectUsbFault(3, time.Time{})
	require.True(t, ok)
	require.Equal(t, fmea.UsbStall, f)

	require.NoError(t, s.HandleFault(f, 10))
	assert.True(t, s.SoftStop().IsActive())
	assert.Equal(t, fmea.SoftStopping, s.State())
	active, ok := s.ActiveFault()
	assert.True(t, ok)
	assert.Equal(t, fmea.UsbStall, active)
	assert.Equal(t, fmea.DoubleBeep, s.Alerts().Current())

	rampFor(s, clk, 25*time.Millisecond)
	assert.InDelta(t, 0.5, s.TorqueMultiplier(), 1e-5)
	assert.ErrorIs(t, s.ClearFault(), fmea.ErrSoftStopInProgress)
	assert.Equal(t, fmea.SoftStopping, s.State())

	rampFor(s, clk, 25*time.Millisecond)
	assert.False(t, s.SoftStop().IsActive())
	assert.Equal(t, fmea.Recovering, s.State())
	assert.Equal(t, float32(0), s.TorqueMultiplier())
	assert.True(t, s.CanRecover())

	require.NoError(t, s.ClearFault())
	assert.Equal(t, fmea.Normal, s.State())
	assert.False(t, s.HasActiveFault())
	assert.Equal(t, float32(1), s.TorqueMultiplier())
	assert.Equal(t, fmea.NoAlert, s.Alerts().Current())

	assert.ErrorIs(t, s.ClearFault(), fmea.ErrNoActiveFault)
}

func TestUsbDetectionThresholdSweep(t *testing.T) {
	for threshold := uint32(1); threshold <= 10; threshold++ {
		cfg := fmea.DefaultConfig()
		cfg.Thresholds.UsbMaxConsecutiveFailures = threshold
		s, err := fmea.NewSystem(timebase.NewSimClock(t0), cfg)
		require.NoError(t, err)
		for n := uint32(0); n <= 20; n++ {
			_, ok := s.DetectUsbFault(n, time.Time{})
			assert.Equal(t, n >= threshold, ok, "threshold = %d, failures = %d", threshold, n)
		}
	}
}

func TestClearFaultTooRecent(t *testing.T) {
	s, clk := newSystem(t)
	require.NoError(t, s.HandleFault(fmea.UsbStall, 0))
	assert.False(t, s.SoftStop().IsActive())
	assert.ErrorIs(t, s.ClearFault(), fmea.ErrFaultTooRecent)
	assert.True(t, s.HasActiveFault())

	clk.Advance(49 * time.Millisecond)
	assert.ErrorIs(t, s.ClearFault(), fmea.ErrFaultTooRecent)

	// Re-detection restarts the dwell.
	require.NoError(t, s.HandleFault(fmea.UsbStall, 0))
	clk.Advance(49 * time.Millisecond)
	assert.ErrorIs(t, s.ClearFault(), fmea.ErrFaultTooRecent)
	clk.Advance(time.Millisecond)
	assert.NoError(t, s.ClearFault())
}

func TestDisabledEntryIsIgnored(t *testing.T) {
	cfg := fmea.DefaultConfig()
	require.NoError(t, cfg.Matrix.Set(fmea.UsbStall, false, fmea.SoftStop))
	s, err := fmea.NewSystem(timebase.NewSimClock(t0), cfg)
	require.NoError(t, err)

	require.NoError(t, s.HandleFault(fmea.UsbStall, 10))
	assert.False(t, s.HasActiveFault())
	assert.False(t, s.SoftStop().IsActive())
	assert.Equal(t, fmea.Normal, s.State())
	assert.Zero(t, s.Statistics(fmea.UsbStall).Count)
}

func TestHandleUnknownFault(t *testing.T) {
	s, _ := newSystem(t)
	assert.ErrorIs(t, s.HandleFault(fmea.FaultType(42), 10), fmea.ErrUnknownFaultType)
	assert.False(t, s.HasActiveFault())
}

func TestSeverityReplacement(t *testing.T) {
	s, _ := newSystem(t)

	require.NoError(t, s.HandleFault(fmea.TimingViolation, 10))
	active, _ := s.ActiveFault()
	assert.Equal(t, fmea.TimingViolation, active)
	assert.False(t, s.SoftStop().IsActive())
	assert.Equal(t, float32(1), s.TorqueMultiplier())
	assert.Equal(t, fmea.Recovering, s.State())

	require.NoError(t, s.HandleFault(fmea.UsbStall, 10))
	active, _ = s.ActiveFault()
	assert.Equal(t, fmea.UsbStall, active)
	assert.True(t, s.SoftStop().IsActive())

	// A less severe fault is recorded but does not displace the active one.
	require.NoError(t, s.HandleFault(fmea.PipelineFault, 10))
	active, _ = s.ActiveFault()
	assert.Equal(t, fmea.UsbStall, active)
	assert.Equal(t, uint64(1), s.Statistics(fmea.PipelineFault).Count)

	s.UpdateSoftStop(10 * time.Millisecond)
	require.NoError(t, s.HandleFault(fmea.Overcurrent, 5))
	active, _ = s.ActiveFault()
	assert.Equal(t, fmea.Overcurrent, active)
	// The running ramp is not restarted.
	assert.Equal(t, float32(10), s.SoftStop().StartTorque())
	assert.Equal(t, 10*time.Millisecond, s.SoftStop().Elapsed())

	s.UpdateSoftStop(time.Second)
	assert.Equal(t, fmea.Faulted, s.State())
	assert.False(t, s.CanRecover())
}

func TestPluginQuarantine(t *testing.T) {
	s, _ := newSystem(t)

	for i := 0; i < 9; i++ {
		_, ok := s.DetectPluginOverrun("pluginA", 150)
		assert.False(t, ok)
	}
	_, ok := s.DetectPluginOverrun("pluginA", 100)
	assert.False(t, ok, "execution at the budget is not an overrun")
	f, ok := s.DetectPluginOverrun("pluginA", 150)
	require.True(t, ok)
	assert.Equal(t, fmea.PluginOverrun, f)
	assert.Equal(t, uint32(10), s.PluginOverrunCount("pluginA"))
	assert.Zero(t, s.PluginOverrunCount("pluginB"))

	require.NoError(t, s.HandleFault(f, 5))
	assert.True(t, s.IsQuarantined("pluginA"))
	assert.False(t, s.IsQuarantined("pluginB"))
	assert.Equal(t, []string{"pluginA"}, s.QuarantinedPlugins())
	assert.Equal(t, float32(1), s.TorqueMultiplier())
	assert.False(t, s.SoftStop().IsActive())

	s.ReleasePlugin("pluginA")
	assert.False(t, s.IsQuarantined("pluginA"))
	assert.Zero(t, s.PluginOverrunCount("pluginA"))
}

func TestPluginCountersAreIndependent(t *testing.T) {
	s, _ := newSystem(t)
	for i := 0; i < 9; i++ {
		_, okA := s.DetectPluginOverrun("pluginA", 200)
		_, okB := s.DetectPluginOverrun("pluginB", 200)
		assert.False(t, okA || okB)
	}
	_, ok := s.DetectPluginOverrun("pluginB", 200)
	assert.True(t, ok)
	assert.Equal(t, uint32(9), s.PluginOverrunCount("pluginA"))
}

func TestPluginOverflowShareCounter(t *testing.T) {
	cfg := fmea.DefaultConfig()
	cfg.MaxTrackedPlugins = 2
	s, err := fmea.NewSystem(timebase.NewSimClock(t0), cfg)
	require.NoError(t, err)

	s.DetectPluginOverrun("p1", 200)
	s.DetectPluginOverrun("p2", 200)
	s.DetectPluginOverrun("p3", 200)
	s.DetectPluginOverrun("p4", 200)
	assert.Equal(t, uint32(1), s.PluginOverrunCount("p1"))
	assert.Equal(t, uint32(1), s.PluginOverrunCount("p2"))
	assert.Zero(t, s.PluginOverrunCount("p3"))
	assert.Equal(t, uint32(2), s.PluginOverrunCount("*"))
}

func TestThermalHysteresis(t *testing.T) {
	s, clk := newSystem(t)

	_, ok := s.DetectThermalFault(79.9, false)
	assert.False(t, ok)
	f, ok := s.DetectThermalFault(85, false)
	require.True(t, ok)
	assert.Equal(t, fmea.ThermalLimit, f)
	require.NoError(t, s.HandleFault(f, 0))
	assert.Equal(t, fmea.ContinuousBeep, s.Alerts().Current())

	// No re-trigger while the fault is active.
	_, ok = s.DetectThermalFault(90, true)
	assert.False(t, ok)

	clk.Advance(100 * time.Millisecond)
	_, ok = s.DetectThermalFault(78, true)
	assert.False(t, ok)
	assert.False(t, s.ThermalClearEligible())
	assert.ErrorIs(t, s.ClearFault(), fmea.ErrNotCooledDown)

	s.DetectThermalFault(75, true)
	assert.True(t, s.ThermalClearEligible())
	require.NoError(t, s.ClearFault())
	assert.False(t, s.ThermalClearEligible())
	assert.Equal(t, fmea.Normal, s.State())
}

func TestStatisticsAndReset(t *testing.T) {
	s, clk := newSystem(t)
	require.NoError(t, s.HandleFault(fmea.UsbStall, 0))
	clk.Advance(time.Second)
	require.NoError(t, s.HandleFault(fmea.UsbStall, 0))

	st := s.Statistics(fmea.UsbStall)
	assert.Equal(t, uint64(2), st.Count)
	assert.Equal(t, t0.Add(time.Second), st.LastOccurrence)

	all := s.FaultStatistics()
	require.Len(t, all, len(fmea.AllFaultTypes()))
	assert.Equal(t, fmea.UsbStall, all[fmea.UsbStall].Fault)

	for i := 0; i < 3; i++ {
		s.DetectEncoderFault(float32(nan()))
	}
	assert.Equal(t, uint32(3), s.EncoderNaNCount())
	s.ResetDetectionState(fmea.EncoderNaN)
	assert.Zero(t, s.EncoderNaNCount())
	assert.Zero(t, s.Statistics(fmea.EncoderNaN).Consecutive)
}

func TestRecoveryFromSystem(t *testing.T) {
	s, clk := newSystem(t)
	_, err := s.NewRecoveryContext()
	assert.ErrorIs(t, err, fmea.ErrNoActiveFault)
	_, ok := s.RecoveryProcedure()
	assert.False(t, ok)

	require.NoError(t, s.HandleFault(fmea.UsbStall, 10))
	p, ok := s.RecoveryProcedure()
	require.True(t, ok)
	assert.Equal(t, fmea.UsbStall, p.Fault)

	rc, err := s.NewRecoveryContext()
	require.NoError(t, err)
	require.NoError(t, rc.Start())
	clk.Advance(time.Millisecond)
	for !rc.AdvanceStep() {
	}
	assert.True(t, rc.IsComplete())
}

func TestSnapshot(t *testing.T) {
	s, _ := newSystem(t)
	snap := s.Snapshot()
	assert.Equal(t, fmea.Normal, snap.State)
	assert.False(t, snap.HasActiveFault)
	assert.Equal(t, float32(1), snap.TorqueMultiplier)

	require.NoError(t, s.HandleFault(fmea.Overcurrent, 8))
	snap = s.Snapshot()
	assert.Equal(t, fmea.SoftStopping, snap.State)
	assert.Equal(t, fmea.Overcurrent, snap.ActiveFault)
	assert.Equal(t, t0, snap.ActiveSince)
	assert.True(t, snap.SoftStopActive)
	assert.Equal(t, fmea.Urgent, snap.Alert)
}
