// Package config decodes the TOML configuration of the control loop and
// turns it into validated domain values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"example.com/ffb-rt/base/rtsetup"
	"example.com/ffb-rt/core/fmea"
	"example.com/ffb-rt/core/safety"
	"example.com/ffb-rt/core/sched"
)

const DefaultMonitorAddr = "127.0.0.1:8080"

var errInvalidValue = errors.New("invalid configuration value")

// File mirrors the configuration file. Unset values keep their defaults.
type File struct {
	Scheduler  SchedulerConfig              `toml:"scheduler,omitempty"`
	RT         RTConfig                     `toml:"rt,omitempty"`
	Thresholds ThresholdsConfig             `toml:"thresholds,omitempty"`
	FmeaMatrix map[string]MatrixEntryConfig `toml:"fmea_matrix,omitempty"`
	FMEA       FMEAConfig                   `toml:"fmea,omitempty"`
	Safety     SafetyConfig                 `toml:"safety,omitempty"`
	Monitor    MonitorConfig                `toml:"monitor,omitempty"`
	Sim        SimConfig                    `toml:"sim,omitempty"`
}

type SchedulerConfig struct {
	PeriodUs         uint64         `toml:"period_us,omitempty"`
	Kp               *float64       `toml:"kp,omitempty"`
	Ki               *float64       `toml:"ki,omitempty"`
	Leak             *float64       `toml:"leak,omitempty"`
	MaxSlewFraction  *float64       `toml:"max_slew_fraction,omitempty"`
	StableBoundUs    uint64         `toml:"stable_bound_us,omitempty"`
	StableTicks      uint32         `toml:"stable_ticks,omitempty"`
	JitterCapacity   *int           `toml:"jitter_capacity,omitempty"`
	ViolationPeriods *float64       `toml:"violation_periods,omitempty"`
	Adaptive         AdaptiveConfig `toml:"adaptive,omitempty"`
}

type AdaptiveConfig struct {
	Enabled             bool     `toml:"enabled,omitempty"`
	MinPeriodUs         uint64   `toml:"min_period_us,omitempty"`
	MaxPeriodUs         uint64   `toml:"max_period_us,omitempty"`
	IncreaseStepUs      uint64   `toml:"increase_step_us,omitempty"`
	DecreaseStepUs      uint64   `toml:"decrease_step_us,omitempty"`
	JitterRelaxUs       uint64   `toml:"jitter_relax_us,omitempty"`
	JitterTightenUs     *uint64  `toml:"jitter_tighten_us,omitempty"`
	ProcessingRelaxUs   *float64 `toml:"processing_relax_us,omitempty"`
	ProcessingTightenUs *float64 `toml:"processing_tighten_us,omitempty"`
	EMAAlpha            *float64 `toml:"ema_alpha,omitempty"`
}

type RTConfig struct {
	HighPriority *bool `toml:"high_priority,omitempty"`
	Priority     int   `toml:"priority,omitempty"`
	LockMemory   *bool `toml:"lock_memory,omitempty"`
	CPUAffinity  []int `toml:"cpu_affinity,omitempty"`
}

type ThresholdsConfig struct {
	Preset                    string   `toml:"preset,omitempty"`
	UsbTimeoutMs              uint64   `toml:"usb_timeout_ms,omitempty"`
	UsbMaxConsecutiveFailures uint32   `toml:"usb_max_consecutive_failures,omitempty"`
	EncoderNaNWindow          uint32   `toml:"encoder_nan_window,omitempty"`
	EncoderMaxNaNCount        uint32   `toml:"encoder_max_nan_count,omitempty"`
	ThermalLimitC             *float32 `toml:"thermal_limit_c,omitempty"`
	ThermalHysteresisC        *float32 `toml:"thermal_hysteresis_c,omitempty"`
	PluginTimeoutUs           uint64   `toml:"plugin_timeout_us,omitempty"`
	PluginMaxOverruns         uint32   `toml:"plugin_max_overruns,omitempty"`
	TimingViolationUs         uint64   `toml:"timing_violation_us,omitempty"`
	TimingMaxViolations       uint32   `toml:"timing_max_violations,omitempty"`
	OvercurrentLimitA         *float32 `toml:"overcurrent_limit_a,omitempty"`
	HandsOffTimeoutMs         uint64   `toml:"hands_off_timeout_ms,omitempty"`
}

type MatrixEntryConfig struct {
	Enabled *bool  `toml:"enabled,omitempty"`
	Action  string `toml:"action,omitempty"`
}

type FMEAConfig struct {
	SoftStopMs        *uint64 `toml:"soft_stop_ms,omitempty"`
	MinFaultMs        *uint64 `toml:"min_fault_ms,omitempty"`
	MaxTrackedPlugins int     `toml:"max_tracked_plugins,omitempty"`
}

type SafetyConfig struct {
	SafeTorqueNm       *float32 `toml:"safe_torque_nm,omitempty"`
	HighTorqueNm       *float32 `toml:"high_torque_nm,omitempty"`
	ChallengeTimeoutMs uint64   `toml:"challenge_timeout_ms,omitempty"`
	HandsOffTimeoutMs  uint64   `toml:"hands_off_timeout_ms,omitempty"`
	MinFaultDwellMs    *uint64  `toml:"min_fault_dwell_ms,omitempty"`
}

type MonitorConfig struct {
	Disabled bool   `toml:"disabled,omitempty"`
	Addr     string `toml:"listen_address,omitempty"`
}

// SimConfig drives the simulated wheel base of the run command.
type SimConfig struct {
	Ticks      uint64            `toml:"ticks,omitempty"`
	TorqueNm   float32           `toml:"torque_nm,omitempty"`
	Injections []InjectionConfig `toml:"injections,omitempty"`
}

type InjectionConfig struct {
	Fault  string  `toml:"fault"`
	AtTick uint64  `toml:"at_tick"`
	Ticks  uint64  `toml:"ticks,omitempty"`
	Value  float64 `toml:"value,omitempty"`
	Plugin string  `toml:"plugin,omitempty"`
}

func invalid(key string, v any) error {
	return fmt.Errorf("%w: %s = %v", errInvalidValue, key, v)
}

func Decode(r io.Reader) (File, error) {
	var f File
	err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&f)
	if err != nil {
		return File{}, err
	}
	return f, nil
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Decode(bytes.NewReader(raw))
}

func (c SchedulerConfig) Period() time.Duration {
	if c.PeriodUs == 0 {
		return sched.Period1kHz
	}
	return time.Duration(c.PeriodUs) * time.Microsecond
}

func (c SchedulerConfig) Options() (sched.Options, error) {
	opts := sched.DefaultOptions()
	if c.Kp != nil {
		opts.PLL.Kp = *c.Kp
	}
	if c.Ki != nil {
		opts.PLL.Ki = *c.Ki
	}
	if c.Leak != nil {
		opts.PLL.Leak = *c.Leak
	}
	if c.MaxSlewFraction != nil {
		opts.PLL.MaxSlewFraction = *c.MaxSlewFraction
	}
	if c.StableBoundUs != 0 {
		opts.PLL.StableBound = time.Duration(c.StableBoundUs) * time.Microsecond
	}
	if c.StableTicks != 0 {
		opts.PLL.StableTicks = c.StableTicks
	}
	if err := opts.PLL.Validate(); err != nil {
		return sched.Options{}, fmt.Errorf("scheduler: %w", err)
	}
	if c.JitterCapacity != nil {
		if *c.JitterCapacity < 0 {
			return sched.Options{}, invalid("scheduler.jitter_capacity", *c.JitterCapacity)
		}
		opts.JitterCapacity = *c.JitterCapacity
	}
	if c.ViolationPeriods != nil {
		if !(*c.ViolationPeriods >= 1) {
			return sched.Options{}, invalid("scheduler.violation_periods", *c.ViolationPeriods)
		}
		opts.ViolationPeriods = *c.ViolationPeriods
	}
	return opts, nil
}

// Build returns the normalized adaptive configuration for a scheduler running
// at period. Unset bounds default to ±10% of period.
func (c AdaptiveConfig) Build(period time.Duration) sched.AdaptiveSchedulingConfig {
	us := func(v uint64) time.Duration { return time.Duration(v) * time.Microsecond }
	cfg := sched.DefaultAdaptiveSchedulingConfig()
	cfg.Enabled = c.Enabled
	cfg.MinPeriod = period - period/10
	cfg.MaxPeriod = period + period/10
	if c.MinPeriodUs != 0 {
		cfg.MinPeriod = us(c.MinPeriodUs)
	}
	if c.MaxPeriodUs != 0 {
		cfg.MaxPeriod = us(c.MaxPeriodUs)
	}
	if c.IncreaseStepUs != 0 {
		cfg.IncreaseStep = us(c.IncreaseStepUs)
	}
	if c.DecreaseStepUs != 0 {
		cfg.DecreaseStep = us(c.DecreaseStepUs)
	}
	if c.JitterRelaxUs != 0 {
		cfg.JitterRelaxThreshold = us(c.JitterRelaxUs)
	}
	if c.JitterTightenUs != nil {
		cfg.JitterTightenThreshold = us(*c.JitterTightenUs)
	}
	if c.ProcessingRelaxUs != nil {
		cfg.ProcessingRelaxThresholdUs = *c.ProcessingRelaxUs
	}
	if c.ProcessingTightenUs != nil {
		cfg.ProcessingTightenThresholdUs = *c.ProcessingTightenUs
	}
	if c.EMAAlpha != nil {
		cfg.EMAAlpha = *c.EMAAlpha
	}
	return cfg.Normalize()
}

func (c RTConfig) Setup() (rtsetup.Setup, error) {
	s := rtsetup.Default()
	if c.HighPriority != nil {
		s.HighPriority = *c.HighPriority
	}
	if c.Priority != 0 {
		s.Priority = c.Priority
	}
	if c.LockMemory != nil {
		s.LockMemory = *c.LockMemory
	}
	s.CPUAffinity = c.CPUAffinity
	if err := s.Validate(); err != nil {
		return rtsetup.Setup{}, fmt.Errorf("rt: %w", err)
	}
	return s, nil
}

func (c ThresholdsConfig) Build() (fmea.FaultThresholds, error) {
	t, err := fmea.ThresholdsPreset(c.Preset)
	if err != nil {
		return fmea.FaultThresholds{}, fmt.Errorf("thresholds: %w", err)
	}
	if c.UsbTimeoutMs != 0 {
		t.UsbTimeout = time.Duration(c.UsbTimeoutMs) * time.Millisecond
	}
	if c.UsbMaxConsecutiveFailures != 0 {
		t.UsbMaxConsecutiveFailures = c.UsbMaxConsecutiveFailures
	}
	if c.EncoderNaNWindow != 0 {
		t.EncoderNaNWindow = c.EncoderNaNWindow
	}
	if c.EncoderMaxNaNCount != 0 {
		t.EncoderMaxNaNCount = c.EncoderMaxNaNCount
	}
	if c.ThermalLimitC != nil {
		t.ThermalLimitC = *c.ThermalLimitC
	}
	if c.ThermalHysteresisC != nil {
		t.ThermalHysteresisC = *c.ThermalHysteresisC
	}
	if c.PluginTimeoutUs != 0 {
		t.PluginTimeoutUs = c.PluginTimeoutUs
	}
	if c.PluginMaxOverruns != 0 {
		t.PluginMaxOverruns = c.PluginMaxOverruns
	}
	if c.TimingViolationUs != 0 {
		t.TimingViolationThreshold = time.Duration(c.TimingViolationUs) * time.Microsecond
	}
	if c.TimingMaxViolations != 0 {
		t.TimingMaxViolations = c.TimingMaxViolations
	}
	if c.OvercurrentLimitA != nil {
		t.OvercurrentLimitA = *c.OvercurrentLimitA
	}
	if c.HandsOffTimeoutMs != 0 {
		t.HandsOffTimeout = time.Duration(c.HandsOffTimeoutMs) * time.Millisecond
	}
	if err := t.Validate(); err != nil {
		return fmea.FaultThresholds{}, fmt.Errorf("thresholds: %w", err)
	}
	return t, nil
}

func (f File) Matrix() (fmea.Matrix, error) {
	m := fmea.DefaultMatrix()
	for name, e := range f.FmeaMatrix {
		ft, err := fmea.ParseFaultType(name)
		if err != nil {
			return fmea.Matrix{}, fmt.Errorf("fmea_matrix: %w", err)
		}
		entry, _ := m.Get(ft)
		enabled, action := entry.Enabled, entry.Action
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		if e.Action != "" {
			action, err = fmea.ParseFaultAction(e.Action)
			if err != nil {
				return fmea.Matrix{}, fmt.Errorf("fmea_matrix.%s: %w", name, err)
			}
		}
		if err := m.Set(ft, enabled, action); err != nil {
			return fmea.Matrix{}, err
		}
	}
	return m, nil
}

func (f File) FaultConfig() (fmea.Config, error) {
	cfg := fmea.DefaultConfig()
	var err error
	cfg.Thresholds, err = f.Thresholds.Build()
	if err != nil {
		return fmea.Config{}, err
	}
	cfg.Matrix, err = f.Matrix()
	if err != nil {
		return fmea.Config{}, err
	}
	c := f.FMEA
	if c.SoftStopMs != nil {
		cfg.SoftStopDuration = time.Duration(*c.SoftStopMs) * time.Millisecond
	}
	if c.MinFaultMs != nil {
		cfg.MinFaultDuration = time.Duration(*c.MinFaultMs) * time.Millisecond
	}
	if c.MaxTrackedPlugins < 0 {
		return fmea.Config{}, invalid("fmea.max_tracked_plugins", c.MaxTrackedPlugins)
	}
	if c.MaxTrackedPlugins != 0 {
		cfg.MaxTrackedPlugins = c.MaxTrackedPlugins
	}
	return cfg, nil
}

func (c SafetyConfig) Build() (safety.Config, error) {
	cfg := safety.DefaultConfig()
	if c.SafeTorqueNm != nil {
		cfg.SafeTorqueNm = *c.SafeTorqueNm
	}
	if c.HighTorqueNm != nil {
		cfg.HighTorqueNm = *c.HighTorqueNm
	}
	if c.ChallengeTimeoutMs != 0 {
		cfg.ChallengeTimeout = time.Duration(c.ChallengeTimeoutMs) * time.Millisecond
	}
	if c.HandsOffTimeoutMs != 0 {
		cfg.HandsOffTimeout = time.Duration(c.HandsOffTimeoutMs) * time.Millisecond
	}
	if c.MinFaultDwellMs != nil {
		cfg.MinFaultDwell = time.Duration(*c.MinFaultDwellMs) * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return safety.Config{}, fmt.Errorf("safety: %w", err)
	}
	return cfg, nil
}

func (c MonitorConfig) ListenAddr() string {
	if c.Addr == "" {
		return DefaultMonitorAddr
	}
	return c.Addr
}

// Validate builds every section and reports the first error.
func (f File) Validate() error {
	if _, err := f.Scheduler.Options(); err != nil {
		return err
	}
	if _, err := f.RT.Setup(); err != nil {
		return err
	}
	if _, err := f.FaultConfig(); err != nil {
		return err
	}
	if _, err := f.Safety.Build(); err != nil {
		return err
	}
	for i, inj := range f.Sim.Injections {
		if inj.Fault == "" {
			return invalid(fmt.Sprintf("sim.injections[%d].fault", i), `""`)
		}
	}
	return nil
}
