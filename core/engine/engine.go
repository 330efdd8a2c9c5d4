// Package engine runs the force-feedback control loop: one tick scheduler,
// one fault system and one safety gate driving one device.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"example.com/ffb-rt/base/floats"
	"example.com/ffb-rt/base/rtsetup"
	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/base/timemath"
	"example.com/ffb-rt/base/zaplog"
	"example.com/ffb-rt/core/fmea"
	"example.com/ffb-rt/core/rterr"
	"example.com/ffb-rt/core/safety"
	"example.com/ffb-rt/core/sched"
)

const (
	DefaultPublishInterval = 100

	commandQueueLen    = 16
	maxCommandsPerTick = 4

	// Repeated per-tick errors are logged on the first occurrence and then
	// once every logInterval occurrences.
	logInterval = 1000

	histMaxUs = 1_000_000
)

type Config struct {
	Period    time.Duration
	Scheduler sched.Options
	Adaptive  sched.AdaptiveSchedulingConfig
	RT        rtsetup.Setup
	FMEA      fmea.Config
	Safety    safety.Config
	// MaxTicks stops Run after this many ticks; 0 runs until the context is
	// done.
	MaxTicks uint64
	// PublishInterval is the number of ticks between snapshots. State
	// transitions are published immediately.
	PublishInterval uint64
}

func DefaultConfig() Config {
	return Config{
		Period:          sched.Period1kHz,
		Scheduler:       sched.DefaultOptions(),
		Adaptive:        sched.DefaultAdaptiveSchedulingConfig(),
		RT:              rtsetup.Default(),
		FMEA:            fmea.DefaultConfig(),
		Safety:          safety.DefaultConfig(),
		PublishInterval: DefaultPublishInterval,
	}
}

type Engine struct {
	log    *zap.Logger
	clk    timebase.LocalClock
	dev    Device
	src    TorqueSource
	rt     rtsetup.Setup
	sched  *sched.AbsoluteScheduler
	fmea   *fmea.System
	safety *safety.Service

	cmds chan command
	snap atomic.Pointer[Snapshot]

	procHist   *hdrhistogram.Histogram
	jitterHist *hdrhistogram.Histogram

	maxTicks        uint64
	publishInterval uint64

	lastTick      time.Time
	lastWrite     time.Time
	writeFailures uint32
	readFailures  uint32
	torqueNm      float32
	violations    uint64
	writeErrors   uint64
	readErrors    uint64
	faultReported bool
	mode          safety.Mode
	changed       bool
}

// New wires a loop around dev and src. A nil log uses the process-wide
// logger.
func New(log *zap.Logger, clk timebase.LocalClock, dev Device, src TorqueSource, cfg Config) (
	*Engine, error) {
	if clk == nil || dev == nil || src == nil {
		return nil, errors.New("engine: missing clock, device or torque source")
	}
	if log == nil {
		log = zaplog.Logger()
	}
	s, err := sched.NewWithOptions(clk, cfg.Period, cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	if cfg.Adaptive.Enabled {
		s.SetAdaptiveScheduling(cfg.Adaptive)
	}
	fs, err := fmea.NewSystem(clk, cfg.FMEA)
	if err != nil {
		return nil, err
	}
	ss, err := safety.NewService(clk, cfg.Safety)
	if err != nil {
		return nil, err
	}
	if cfg.PublishInterval == 0 {
		cfg.PublishInterval = DefaultPublishInterval
	}
	e := &Engine{
		log:             log,
		clk:             clk,
		dev:             dev,
		src:             src,
		rt:              cfg.RT,
		sched:           s,
		fmea:            fs,
		safety:          ss,
		cmds:            make(chan command, commandQueueLen),
		procHist:        hdrhistogram.New(1, histMaxUs, 3),
		jitterHist:      hdrhistogram.New(1, histMaxUs, 3),
		maxTicks:        cfg.MaxTicks,
		publishInterval: cfg.PublishInterval,
		mode:            ss.Mode(),
	}
	e.publish(0, clk.Now())
	return e, nil
}

// Scheduler, FMEA and Safety expose the loop components. They are not safe
// for concurrent use and must not be touched while Run is active.
func (e *Engine) Scheduler() *sched.AbsoluteScheduler { return e.sched }

func (e *Engine) FMEA() *fmea.System { return e.fmea }

func (e *Engine) Safety() *safety.Service { return e.safety }

// Snapshot returns the most recently published loop state. It is safe to
// call from any goroutine.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// Run drives the loop on the calling goroutine, which is locked to its OS
// thread, until ctx is done or the tick limit is reached. The torque is
// zeroed on return.
func (e *Engine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := e.sched.ApplyRTSetup(e.rt)
	if err != nil {
		e.log.Info("real-time setup not applied", zap.Error(err))
	} else if !e.rt.Empty() {
		e.log.Info("real-time setup applied",
			zap.Bool("high_priority", e.rt.HighPriority),
			zap.Int("priority", e.rt.Priority),
			zap.Bool("lock_memory", e.rt.LockMemory),
			zap.Ints("cpu_affinity", e.rt.CPUAffinity))
	}

	for ctx.Err() == nil && (e.maxTicks == 0 || e.sched.TickCount() < e.maxTicks) {
		e.Step(ctx)
	}

	err = e.dev.ZeroTorque()
	e.torqueNm = 0
	e.publish(e.sched.TickCount(), e.clk.Now())
	if err != nil {
		return fmt.Errorf("failed to zero torque on shutdown: %w", err)
	}
	return nil
}

// Step runs one tick: wait for the deadline, apply pending commands, read
// the device, run the detectors, update both torque gates and write the
// resulting torque.
func (e *Engine) Step(ctx context.Context) {
	tick, err := e.sched.WaitForTick()
	now := e.clk.Now()
	dt := e.sched.TargetPeriod()
	if !e.lastTick.IsZero() {
		dt = now.Sub(e.lastTick)
	}
	e.lastTick = now
	jitter := e.sched.MetricsMut().LastJitter()
	if err != nil {
		e.violations++
		if e.violations%logInterval == 1 {
			e.log.Warn("timing violation",
				zap.Uint64("tick", tick),
				zap.Duration("jitter", jitter),
				zap.Uint64("count", e.violations))
		}
		e.raiseFor(err)
	}

	e.drainCommands(ctx)
	if e.safety.CheckChallengeExpiry() {
		e.log.Info("high torque challenge expired")
	}

	st, err := e.dev.ReadStatus()
	readOK := err == nil
	if readOK {
		e.readFailures = 0
	} else {
		e.readErrors++
		e.readFailures = saturatingInc(e.readFailures)
		if e.readErrors%logInterval == 1 {
			e.log.Warn("failed to read device status", zap.Error(err), zap.Uint64("count", e.readErrors))
		}
		e.raiseFor(err)
	}

	out, err := e.src.Compute(tick, st)
	nominal := out.TorqueNm
	if err != nil || !finite32(nominal) {
		nominal = 0
		if err == nil || !e.raiseFor(err) {
			e.raise(fmea.PipelineFault)
		}
	}

	e.detect(st, readOK, out, jitter)
	e.fmea.UpdateSoftStop(dt)
	e.syncSafety()

	torque := e.safety.ClampTorqueNm(nominal * e.fmea.TorqueMultiplier())
	e.write(torque, now)
	e.fmea.Alerts().Update()

	elapsed := e.clk.Now().Sub(now)
	e.sched.RecordProcessingTimeUs(timemath.Micros(elapsed))
	_ = e.procHist.RecordValue(min(elapsed.Microseconds(), histMaxUs))
	_ = e.jitterHist.RecordValue(min(timemath.Abs(jitter).Microseconds(), histMaxUs))

	if m := e.safety.Mode(); m != e.mode {
		e.log.Info("safety mode changed", zap.Stringer("from", e.mode), zap.Stringer("to", m))
		e.mode = m
		e.changed = true
	}
	if e.changed || tick%e.publishInterval == 0 {
		e.publish(tick, now)
	}
}

func (e *Engine) detect(st Status, readOK bool, out Output, jitter time.Duration) {
	fs := e.fmea
	usbFailures := max(e.writeFailures, e.readFailures)
	if f, ok := fs.DetectUsbFault(usbFailures, e.lastWrite); ok {
		e.raise(f)
	} else if f, ok := fs.DetectUsbTimeout(); ok {
		e.raise(f)
	}
	if readOK {
		if f, ok := fs.DetectEncoderFault(st.EncoderAngle); ok {
			e.raise(f)
		}
		active, has := fs.ActiveFault()
		if f, ok := fs.DetectThermalFault(st.TemperatureC, has && active == fmea.ThermalLimit); ok {
			e.raise(f)
		}
		if f, ok := fs.DetectOvercurrent(st.CurrentA); ok {
			e.raise(f)
		}
		if e.safety.Mode() == safety.HighTorqueActive {
			if f, ok := fs.DetectHandsOff(st.HandsOff); ok {
				e.raise(f)
			}
			if e.safety.CheckHandsOffTimeout(st.HandsOff) {
				e.log.Warn("hands off wheel, high torque disabled", zap.Duration("hands_off", st.HandsOff))
			}
		}
	}
	if f, ok := fs.DetectTimingViolation(jitter); ok {
		e.raise(f)
	}
	for _, p := range out.Plugins {
		if fs.IsQuarantined(p.ID) {
			continue
		}
		if f, ok := fs.DetectPluginOverrun(p.ID, p.ExecutionTimeUs); ok {
			e.raise(f)
			if fs.IsQuarantined(p.ID) {
				e.log.Warn("plugin quarantined", zap.String("plugin", p.ID),
					zap.Uint64("execution_time_us", p.ExecutionTimeUs))
			}
		}
	}
}

// raiseFor raises the fault indicated by an rterr code wrapped in err and
// reports whether there was one.
func (e *Engine) raiseFor(err error) bool {
	var code rterr.RTError
	if !errors.As(err, &code) {
		return false
	}
	f, ok := fmea.FaultForRTError(code)
	if ok {
		e.raise(f)
	}
	return ok
}

func (e *Engine) raise(f fmea.FaultType) {
	prev, had := e.fmea.ActiveFault()
	if err := e.fmea.HandleFault(f, e.torqueNm); err != nil {
		e.log.Error("failed to handle fault", zap.Stringer("fault", f), zap.Error(err))
		return
	}
	m := e.fmea.Matrix()
	entry, _ := m.Get(f)
	if !entry.Enabled {
		return
	}
	if cur, _ := e.fmea.ActiveFault(); !had || cur != prev {
		e.log.Warn("fault raised",
			zap.String("fault", cur.Name()),
			zap.Uint8("severity", cur.Severity()),
			zap.Stringer("action", entry.Action),
			zap.Stringer("state", e.fmea.State()))
		e.faultReported = false
		e.changed = true
	}
	switch {
	case entry.Action == fmea.Restart:
		if r, ok := e.src.(Restarter); ok {
			if err := r.Restart(); err != nil {
				e.log.Error("failed to restart torque source", zap.Error(err))
			}
		}
	case entry.Action.AffectsTorque() && f.Severity() == 1:
		e.fmea.SoftStop().ForceStop()
		if err := e.dev.ZeroTorque(); err != nil {
			e.log.Error("failed to zero torque", zap.Stringer("fault", f), zap.Error(err))
		}
		e.torqueNm = 0
	}
}

// syncSafety latches the safety gate into Faulted once a torque-affecting
// fault has finished its ramp.
func (e *Engine) syncSafety() {
	f, ok := e.fmea.ActiveFault()
	if !ok || e.faultReported || !e.fmea.SoftStop().IsComplete() {
		return
	}
	m := e.fmea.Matrix()
	if entry, _ := m.Get(f); !entry.Action.AffectsTorque() {
		return
	}
	e.safety.ReportFault(f)
	e.faultReported = true
}

func (e *Engine) write(torque float32, now time.Time) {
	if err := e.dev.WriteTorque(torque); err != nil {
		e.writeErrors++
		e.writeFailures = saturatingInc(e.writeFailures)
		if e.writeErrors%logInterval == 1 {
			e.log.Warn("failed to write torque", zap.Error(err), zap.Uint64("count", e.writeErrors))
		}
		e.raiseFor(err)
		return
	}
	e.writeFailures = 0
	e.lastWrite = now
	e.torqueNm = torque
}

func (e *Engine) publish(tick uint64, now time.Time) {
	m := e.sched.MetricsMut()
	pll := e.sched.PLL()
	e.snap.Store(&Snapshot{
		Time:             now,
		Tick:             tick,
		TotalTicks:       m.TotalTicks(),
		MissedTicks:      m.MissedTicks(),
		MissedTickRate:   m.MissedTickRate(),
		MaxJitter:        m.MaxJitter(),
		LastJitter:       m.LastJitter(),
		JitterP50:        time.Duration(e.jitterHist.ValueAtQuantile(50)) * time.Microsecond,
		JitterP99:        time.Duration(e.jitterHist.ValueAtQuantile(99)) * time.Microsecond,
		TargetPeriod:     e.sched.TargetPeriod(),
		Correction:       pll.Correction(),
		PLLStable:        pll.IsStable(),
		ProcessingP50Us:  float64(e.procHist.ValueAtQuantile(50)),
		ProcessingP99Us:  float64(e.procHist.ValueAtQuantile(99)),
		Fault:            e.fmea.Snapshot(),
		FaultStats:       e.fmea.FaultStatistics(),
		Quarantined:      e.fmea.QuarantinedPlugins(),
		Safety:           e.safety.State(),
		MaxTorqueNm:      e.safety.MaxTorqueNm(),
		TorqueNm:         e.torqueNm,
		TimingViolations: e.violations,
		WriteErrors:      e.writeErrors,
		ReadErrors:       e.readErrors,
	})
	e.changed = false
}

func finite32(f float32) bool {
	return floats.IsFinite(float64(f))
}

func saturatingInc(n uint32) uint32 {
	if n == math.MaxUint32 {
		return n
	}
	return n + 1
}
