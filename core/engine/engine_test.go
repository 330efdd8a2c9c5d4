package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/ffb-rt/base/rtsetup"
	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/core/fmea"
	"example.com/ffb-rt/core/rterr"
	"example.com/ffb-rt/core/safety"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var errWrite = errors.New("write failed")

type testDevice struct {
	status   Status
	readErr  error
	writeErr error
	writes   []float32
	zeroes   int
}

func (d *testDevice) ReadStatus() (Status, error) { return d.status, d.readErr }

func (d *testDevice) WriteTorque(torqueNm float32) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.writes = append(d.writes, torqueNm)
	return nil
}

func (d *testDevice) ZeroTorque() error {
	d.zeroes++
	return nil
}

func (d *testDevice) last() float32 {
	if len(d.writes) == 0 {
		return 0
	}
	return d.writes[len(d.writes)-1]
}

type restartableSource struct {
	err      error
	restarts int
}

func (s *restartableSource) Compute(tick uint64, st Status) (Output, error) {
	if s.err != nil {
		return Output{}, s.err
	}
	return Output{TorqueNm: 2}, nil
}

func (s *restartableSource) Restart() error {
	s.restarts++
	s.err = nil
	return nil
}

type harness struct {
	e   *Engine
	clk *timebase.SimClock
	dev *testDevice
}

func newHarness(t *testing.T, src TorqueSource, modify func(*Config)) *harness {
	cfg := DefaultConfig()
	cfg.RT = rtsetup.Setup{}
	if modify != nil {
		modify(&cfg)
	}
	clk := timebase.NewSimClock(t0)
	dev := &testDevice{}
	e, err := New(zaptest.NewLogger(t), clk, dev, src, cfg)
	require.NoError(t, err)
	return &harness{e: e, clk: clk, dev: dev}
}

func (h *harness) steps(n int) {
	for i := 0; i != n; i++ {
		h.e.Step(context.Background())
	}
}

// command runs fn on another goroutine and steps the loop once the command
// is queued.
func (h *harness) command(t *testing.T, fn func(ctx context.Context) error) error {
	ctx := context.Background()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	require.Eventually(t, func() bool { return len(h.e.cmds) != 0 }, time.Second, time.Millisecond)
	h.e.Step(ctx)
	select {
	case err := <-errc:
		return err
	case <-time.After(time.Second):
		t.Fatal("command was not applied")
		return nil
	}
}

func TestNewRejectsMissingParts(t *testing.T) {
	clk := timebase.NewSimClock(t0)
	log := zaptest.NewLogger(t)
	_, err := New(log, clk, nil, ConstantTorque(1), DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Period = 0
	_, err = New(log, clk, &testDevice{}, ConstantTorque(1), cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Safety.SafeTorqueNm = -1
	_, err = New(log, clk, &testDevice{}, ConstantTorque(1), cfg)
	assert.ErrorIs(t, err, safety.ErrInvalidConfig)

	// a nil logger falls back to the process-wide one
	e, err := New(nil, clk, &testDevice{}, ConstantTorque(1), DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, e.log)
}

func TestNominalTorqueIsClampedToSafeLimit(t *testing.T) {
	h := newHarness(t, ConstantTorque(3), nil)
	h.steps(5)
	assert.Equal(t, []float32{3, 3, 3, 3, 3}, h.dev.writes)
	assert.Equal(t, t0.Add(5*time.Millisecond), h.clk.Now())

	h = newHarness(t, ConstantTorque(-20), nil)
	h.steps(1)
	assert.Equal(t, float32(-safety.DefaultSafeTorqueNm), h.dev.last())
}

func TestUsbStallRampsDownAndRecovers(t *testing.T) {
	h := newHarness(t, ConstantTorque(3), nil)
	fs := h.e.FMEA()

	h.steps(5)
	h.dev.writeErr = errWrite
	h.steps(3)
	h.dev.writeErr = nil
	assert.False(t, fs.HasActiveFault())

	h.steps(1)
	f, ok := fs.ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.UsbStall, f)
	assert.Equal(t, fmea.SoftStopping, fs.State())
	assert.InDelta(t, 3*0.98, h.dev.last(), 1e-4)

	h.steps(60)
	for i := 6; i < len(h.dev.writes); i++ {
		assert.LessOrEqual(t, h.dev.writes[i], h.dev.writes[i-1])
	}
	assert.Equal(t, float32(0), h.dev.last())
	assert.Equal(t, fmea.Recovering, fs.State())
	assert.Equal(t, safety.Faulted, h.e.Safety().Mode())
	assert.Equal(t, fmea.UsbStall, h.e.Safety().State().Fault)

	s := h.e.Snapshot()
	assert.Equal(t, uint64(3), s.WriteErrors)
	assert.Equal(t, safety.Faulted, s.Safety.Mode)
	assert.True(t, s.Fault.HasActiveFault)

	// the safety gate still dwells, nothing is cleared
	err := h.command(t, h.e.ClearFault)
	assert.ErrorIs(t, err, safety.ErrFaultTooRecent)
	assert.True(t, fs.HasActiveFault())
	assert.Equal(t, fmea.Recovering, fs.State())
	assert.Equal(t, safety.Faulted, h.e.Safety().Mode())
	assert.Equal(t, float32(0), h.dev.last())

	h.steps(100)
	require.NoError(t, h.command(t, h.e.ClearFault))
	assert.Equal(t, safety.SafeTorque, h.e.Safety().Mode())
	assert.Equal(t, float32(3), h.dev.last())

	err = h.command(t, h.e.ClearFault)
	assert.ErrorIs(t, err, fmea.ErrNoActiveFault)
}

func TestClearFaultDuringSafetyDwellKeepsState(t *testing.T) {
	h := newHarness(t, ConstantTorque(2), nil)
	fs := h.e.FMEA()
	require.NoError(t, fs.HandleFault(fmea.UsbStall, 2))
	h.steps(60)
	require.Equal(t, safety.Faulted, h.e.Safety().Mode())

	err := h.command(t, h.e.ClearFault)
	assert.ErrorIs(t, err, safety.ErrFaultTooRecent)
	f, ok := fs.ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.UsbStall, f)
	assert.Equal(t, safety.Faulted, h.e.Safety().Mode())
	assert.Equal(t, float32(0), h.dev.last())

	h.steps(100)
	require.NoError(t, h.command(t, h.e.ClearFault))
	assert.False(t, fs.HasActiveFault())
	assert.Equal(t, safety.SafeTorque, h.e.Safety().Mode())
	assert.Equal(t, float32(2), h.dev.last())
}

func TestOvercurrentZeroesTorqueImmediately(t *testing.T) {
	h := newHarness(t, ConstantTorque(4), nil)
	h.steps(3)
	h.dev.status.CurrentA = 25
	h.steps(1)

	assert.Equal(t, 1, h.dev.zeroes)
	assert.Equal(t, float32(0), h.dev.last())
	f, ok := h.e.FMEA().ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.Overcurrent, f)
	assert.Equal(t, safety.Faulted, h.e.Safety().Mode())
	assert.Equal(t, fmea.Faulted, h.e.FMEA().State())
}

func TestPipelineFaultRestartsSource(t *testing.T) {
	src := &restartableSource{err: errors.New("filter diverged")}
	h := newHarness(t, src, nil)
	h.steps(1)

	assert.Equal(t, 1, src.restarts)
	assert.Equal(t, float32(0), h.dev.last())
	f, ok := h.e.FMEA().ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.PipelineFault, f)
	assert.Equal(t, safety.SafeTorque, h.e.Safety().Mode())

	h.steps(1)
	assert.Equal(t, float32(2), h.dev.last())
}

func TestNonFiniteTorqueIsPipelineFault(t *testing.T) {
	h := newHarness(t, TorqueSourceFunc(func(uint64, Status) (Output, error) {
		return Output{TorqueNm: float32(math.NaN())}, nil
	}), nil)
	h.steps(1)
	assert.Equal(t, float32(0), h.dev.last())
	f, _ := h.e.FMEA().ActiveFault()
	assert.Equal(t, fmea.PipelineFault, f)
}

func TestDeviceErrorCodesRaiseFaults(t *testing.T) {
	h := newHarness(t, ConstantTorque(3), nil)
	h.steps(2)
	h.dev.readErr = fmt.Errorf("hid read: %w", rterr.DeviceDisconnected)
	h.steps(1)
	f, ok := h.e.FMEA().ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.UsbStall, f)
	assert.Equal(t, uint64(1), h.e.Snapshot().ReadErrors)

	h = newHarness(t, TorqueSourceFunc(func(uint64, Status) (Output, error) {
		return Output{}, rterr.SafetyInterlock
	}), nil)
	h.steps(1)
	f, _ = h.e.FMEA().ActiveFault()
	assert.Equal(t, fmea.SafetyInterlockViolation, f)
}

func TestHighTorqueCommands(t *testing.T) {
	h := newHarness(t, ConstantTorque(20), nil)
	h.steps(1)
	assert.Equal(t, float32(safety.DefaultSafeTorqueNm), h.dev.last())

	var token uint32
	err := h.command(t, func(ctx context.Context) error {
		var err error
		token, err = h.e.RequestHighTorque(ctx)
		return err
	})
	require.NoError(t, err)
	assert.NotZero(t, token)
	assert.Equal(t, safety.HighTorqueChallenge, h.e.Safety().Mode())
	assert.Equal(t, float32(safety.DefaultSafeTorqueNm), h.dev.last())

	err = h.command(t, func(ctx context.Context) error { return h.e.ConfirmHighTorque(ctx, token+1) })
	assert.ErrorIs(t, err, safety.ErrTokenMismatch)

	err = h.command(t, func(ctx context.Context) error { return h.e.ConfirmHighTorque(ctx, token) })
	require.NoError(t, err)
	assert.Equal(t, safety.HighTorqueActive, h.e.Safety().Mode())
	assert.Equal(t, float32(20), h.dev.last())
	assert.Equal(t, safety.HighTorqueActive, h.e.Snapshot().Safety.Mode)

	require.NoError(t, h.command(t, h.e.DisableHighTorque))
	assert.Equal(t, float32(safety.DefaultSafeTorqueNm), h.dev.last())
	assert.ErrorIs(t, h.command(t, h.e.CancelChallenge), safety.ErrNoChallenge)
}

func TestHandsOffRevertsHighTorque(t *testing.T) {
	h := newHarness(t, ConstantTorque(20), nil)
	var token uint32
	require.NoError(t, h.command(t, func(ctx context.Context) error {
		var err error
		token, err = h.e.RequestHighTorque(ctx)
		return err
	}))
	require.NoError(t, h.command(t, func(ctx context.Context) error {
		return h.e.ConfirmHighTorque(ctx, token)
	}))

	h.dev.status.HandsOff = 6 * time.Second
	h.steps(1)
	assert.Equal(t, safety.SafeTorque, h.e.Safety().Mode())
	f, ok := h.e.FMEA().ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.HandsOffTimeout, f)
	assert.LessOrEqual(t, h.dev.last(), float32(safety.DefaultSafeTorqueNm))

	// the fault ramps down and then latches the gate
	h.steps(60)
	assert.Equal(t, safety.Faulted, h.e.Safety().Mode())
	assert.Equal(t, fmea.HandsOffTimeout, h.e.Safety().State().Fault)
	assert.Equal(t, float32(0), h.dev.last())
}

func TestCommandCanceledContext(t *testing.T) {
	h := newHarness(t, ConstantTorque(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.e.RequestHighTorque(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimingViolationIsRoutedToFaults(t *testing.T) {
	h := newHarness(t, ConstantTorque(1), func(cfg *Config) { cfg.PublishInterval = 1 })
	h.steps(2)
	h.clk.SetLatency(3 * time.Millisecond)
	h.steps(1)
	h.clk.SetLatency(0)
	h.steps(1)

	s := h.e.Snapshot()
	assert.Equal(t, uint64(1), s.TimingViolations)
	assert.Equal(t, uint64(4), s.TotalTicks)
	assert.Equal(t, 3*time.Millisecond, s.MaxJitter)

	fs := h.e.FMEA()
	f, ok := fs.ActiveFault()
	require.True(t, ok)
	assert.Equal(t, fmea.TimingViolation, f)
	assert.Equal(t, uint64(1), fs.Statistics(fmea.TimingViolation).Count)
	assert.False(t, fs.SoftStop().IsActive())
	assert.Equal(t, safety.SafeTorque, h.e.Safety().Mode())
	assert.Equal(t, float32(1), h.dev.last())
}

func TestSnapshotPublishing(t *testing.T) {
	h := newHarness(t, ConstantTorque(2), func(cfg *Config) { cfg.PublishInterval = 10 })
	assert.Equal(t, uint64(0), h.e.Snapshot().Tick)

	h.steps(10)
	s := h.e.Snapshot()
	assert.Equal(t, uint64(10), s.Tick)
	assert.Equal(t, uint64(10), s.TotalTicks)
	assert.Equal(t, float32(2), s.TorqueNm)
	assert.Equal(t, float32(safety.DefaultSafeTorqueNm), s.MaxTorqueNm)
	assert.Equal(t, time.Millisecond, s.TargetPeriod)
	assert.True(t, s.MeetsTimingRequirements())
	assert.Len(t, s.FaultStats, len(fmea.AllFaultTypes()))

	h.steps(5)
	assert.Equal(t, uint64(10), h.e.Snapshot().Tick)

	// transitions are published at once
	h.dev.status.CurrentA = 25
	h.steps(1)
	s = h.e.Snapshot()
	assert.Equal(t, uint64(16), s.Tick)
	assert.Equal(t, fmea.Overcurrent, s.Fault.ActiveFault)
}

func TestRunStopsAtMaxTicks(t *testing.T) {
	h := newHarness(t, ConstantTorque(1), func(cfg *Config) { cfg.MaxTicks = 25 })
	require.NoError(t, h.e.Run(context.Background()))

	assert.Equal(t, uint64(25), h.e.Scheduler().TickCount())
	assert.Len(t, h.dev.writes, 25)
	assert.Equal(t, 1, h.dev.zeroes)
	s := h.e.Snapshot()
	assert.Equal(t, uint64(25), s.Tick)
	assert.Equal(t, float32(0), s.TorqueNm)
}

func TestRunStopsOnContext(t *testing.T) {
	h := newHarness(t, ConstantTorque(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.e.Run(ctx))
	assert.Equal(t, uint64(0), h.e.Scheduler().TickCount())
	assert.Equal(t, 1, h.dev.zeroes)
}
