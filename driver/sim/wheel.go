// Package sim provides a simulated wheel base with scripted fault injection.
package sim

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/base/timemath"
	"example.com/ffb-rt/base/zaplog"
	"example.com/ffb-rt/core/engine"
)

var (
	ErrStall       = errors.New("simulated USB stall")
	errUnknownKind = errors.New("unknown injection kind")
)

type Kind uint8

const (
	UsbStall Kind = iota
	EncoderNaN
	Overtemperature
	Overcurrent
	PluginOverrun
	HandsOff
)

var kindNames = [...]string{
	UsbStall:        "usb_stall",
	EncoderNaN:      "encoder_nan",
	Overtemperature: "overtemperature",
	Overcurrent:     "overcurrent",
	PluginOverrun:   "plugin_overrun",
	HandsOff:        "hands_off",
}

func (k Kind) String() string {
	if int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errUnknownKind, name)
}

// Injection makes the wheel misbehave during ticks [AtTick, AtTick+Ticks).
// Value is the forced temperature in °C, current in A, plugin execution time
// in µs or initial hands-off time in s, depending on Kind.
type Injection struct {
	Kind   Kind
	AtTick uint64
	Ticks  uint64
	Value  float64
	Plugin string
}

func (inj Injection) activeAt(tick uint64) bool {
	return tick >= inj.AtTick && tick-inj.AtTick < max(inj.Ticks, 1)
}

const (
	DefaultAmbientC            = 25
	DefaultHeatCPerNm2         = 0.1
	DefaultThermalTimeConstant = 30 * time.Second
	DefaultAmpsPerNm           = 0.3
	DefaultSteeringHz          = 0.5
	DefaultSteeringDeg         = 90

	basePlugin       = "sim"
	basePluginTimeUs = 20
)

type Config struct {
	TorqueNm float32
	// The motor heats towards AmbientC + HeatCPerNm2*torque² with a first
	// order response.
	AmbientC            float32
	HeatCPerNm2         float32
	ThermalTimeConstant time.Duration
	AmpsPerNm           float32
	SteeringHz          float64
	SteeringDeg         float64
	Injections          []Injection
}

func DefaultConfig() Config {
	return Config{
		AmbientC:            DefaultAmbientC,
		HeatCPerNm2:         DefaultHeatCPerNm2,
		ThermalTimeConstant: DefaultThermalTimeConstant,
		AmpsPerNm:           DefaultAmpsPerNm,
		SteeringHz:          DefaultSteeringHz,
		SteeringDeg:         DefaultSteeringDeg,
	}
}

// Wheel is both the device and the torque source of a simulated loop. The
// tick counter advances on every ReadStatus.
type Wheel struct {
	log *zap.Logger
	clk timebase.Clock
	cfg Config

	start    time.Time
	last     time.Time
	tick     uint64
	torqueNm float32
	tempC    float64
	handsOff time.Time
	active   []bool
	plugins  [2]engine.PluginTiming
}

var (
	_ engine.Device       = (*Wheel)(nil)
	_ engine.TorqueSource = (*Wheel)(nil)
)

func NewWheel(log *zap.Logger, clk timebase.Clock, cfg Config) *Wheel {
	if cfg.ThermalTimeConstant <= 0 {
		panic("invalid thermal time constant")
	}
	if log == nil {
		log = zaplog.Logger()
	}
	now := clk.Now()
	return &Wheel{
		log:    log,
		clk:    clk,
		cfg:    cfg,
		start:  now,
		last:   now,
		tempC:  float64(cfg.AmbientC),
		active: make([]bool, len(cfg.Injections)),
	}
}

func (w *Wheel) Tick() uint64 { return w.tick }

func (w *Wheel) TemperatureC() float32 { return float32(w.tempC) }

func (w *Wheel) LastTorqueNm() float32 { return w.torqueNm }

// injected returns the first injection of kind k active at the current tick.
func (w *Wheel) injected(k Kind) (Injection, bool) {
	for i, inj := range w.cfg.Injections {
		if inj.Kind == k && w.active[i] {
			return inj, true
		}
	}
	return Injection{}, false
}

func (w *Wheel) updateInjections() {
	for i, inj := range w.cfg.Injections {
		on := inj.activeAt(w.tick)
		if on == w.active[i] {
			continue
		}
		w.active[i] = on
		if on {
			w.log.Info("fault injection started",
				zap.Stringer("kind", inj.Kind), zap.Uint64("tick", w.tick))
			if inj.Kind == HandsOff {
				w.handsOff = w.clk.Now().Add(-timemath.Duration(inj.Value))
			}
		} else {
			w.log.Info("fault injection ended",
				zap.Stringer("kind", inj.Kind), zap.Uint64("tick", w.tick))
		}
	}
}

func (w *Wheel) updateThermal(now time.Time) {
	dt := now.Sub(w.last)
	w.last = now
	if dt <= 0 {
		return
	}
	t := float64(w.torqueNm)
	target := float64(w.cfg.AmbientC) + float64(w.cfg.HeatCPerNm2)*t*t
	k := 1 - math.Exp(-timemath.Seconds(dt)/timemath.Seconds(w.cfg.ThermalTimeConstant))
	w.tempC += (target - w.tempC) * k
}

func (w *Wheel) ReadStatus() (engine.Status, error) {
	w.tick++
	w.updateInjections()
	now := w.clk.Now()
	w.updateThermal(now)

	if _, ok := w.injected(UsbStall); ok {
		return engine.Status{}, ErrStall
	}
	elapsed := timemath.Seconds(now.Sub(w.start))
	st := engine.Status{
		EncoderAngle: float32(w.cfg.SteeringDeg * math.Sin(2*math.Pi*w.cfg.SteeringHz*elapsed)),
		TemperatureC: float32(w.tempC),
		CurrentA:     w.cfg.AmpsPerNm * float32(math.Abs(float64(w.torqueNm))),
	}
	if _, ok := w.injected(EncoderNaN); ok {
		st.EncoderAngle = float32(math.NaN())
	}
	if inj, ok := w.injected(Overtemperature); ok {
		st.TemperatureC = float32(inj.Value)
	}
	if inj, ok := w.injected(Overcurrent); ok {
		st.CurrentA = float32(inj.Value)
	}
	if _, ok := w.injected(HandsOff); ok {
		st.HandsOff = now.Sub(w.handsOff)
	}
	return st, nil
}

func (w *Wheel) WriteTorque(torqueNm float32) error {
	if _, ok := w.injected(UsbStall); ok {
		return ErrStall
	}
	w.torqueNm = torqueNm
	return nil
}

func (w *Wheel) ZeroTorque() error {
	return w.WriteTorque(0)
}

// Compute requests the configured torque. Besides the built-in plugin, an
// active plugin overrun injection reports its plugin with the injected
// execution time.
func (w *Wheel) Compute(tick uint64, st engine.Status) (engine.Output, error) {
	w.plugins[0] = engine.PluginTiming{ID: basePlugin, ExecutionTimeUs: basePluginTimeUs}
	out := engine.Output{
		TorqueNm: w.cfg.TorqueNm,
		Plugins:  w.plugins[:1],
	}
	if inj, ok := w.injected(PluginOverrun); ok {
		id := inj.Plugin
		if id == "" {
			id = PluginOverrun.String()
		}
		w.plugins[1] = engine.PluginTiming{ID: id, ExecutionTimeUs: uint64(inj.Value)}
		out.Plugins = w.plugins[:2]
	}
	return out, nil
}
