// Package benchmark measures the timing of the tick scheduler under a
// synthetic per-tick workload and checks it against the performance gates.
package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"runtime"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"example.com/ffb-rt/base/rtsetup"
	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/base/timemath"
	"example.com/ffb-rt/core/sched"
)

const (
	DefaultTicks = 10_000

	MaxRTLoopUs              = 1000.0
	MaxJitterP99Ms           = 0.25
	MaxMissedTickRatePercent = 0.001
	MaxProcessingMedianUs    = 50.0
	MaxProcessingP99Us       = 200.0

	histMaxNs = int64(time.Second)
)

var errNoTicks = errors.New("benchmark needs at least one tick")

// Result is the JSON document consumed by the performance gate.
type Result struct {
	RTLoopUs               float64 `json:"rt_loop_us"`
	JitterP99Ms            float64 `json:"jitter_p99_ms"`
	MissedTickRate         float64 `json:"missed_tick_rate"` // percent
	ProcessingTimeMedianUs float64 `json:"processing_time_median_us"`
	ProcessingTimeP99Us    float64 `json:"processing_time_p99_us"`
}

func (r Result) MeetsPerformanceGates() bool {
	return r.RTLoopUs <= MaxRTLoopUs &&
		r.JitterP99Ms <= MaxJitterP99Ms &&
		r.MissedTickRate <= MaxMissedTickRatePercent &&
		r.ProcessingTimeMedianUs <= MaxProcessingMedianUs &&
		r.ProcessingTimeP99Us <= MaxProcessingP99Us
}

func (r Result) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

type Config struct {
	Ticks  uint64
	Period time.Duration
	RT     rtsetup.Setup
	// Work is the per-tick workload; nil runs a small filter chain.
	Work func(tick uint64)
	// Percentiles, if set, receives the jitter distribution in µs.
	Percentiles io.Writer
}

func DefaultConfig() Config {
	return Config{
		Ticks:  DefaultTicks,
		Period: sched.Period1kHz,
		RT:     rtsetup.Default(),
	}
}

// filterChain is a stand-in for the force-feedback filter pipeline: a
// low-pass, a damper and a friction stage over a short history.
type filterChain struct {
	hist [64]float64
	lp   float64
	n    int
}

func (f *filterChain) run(tick uint64) {
	in := math.Sin(float64(tick) * 0.01)
	f.hist[f.n%len(f.hist)] = in
	f.n++
	var sum float64
	for _, v := range f.hist {
		sum += v
	}
	f.lp += 0.1 * (sum/float64(len(f.hist)) - f.lp)
	damper := -0.3 * (in - f.lp)
	friction := -0.05 * math.Copysign(1, in)
	f.lp = f.lp + damper + friction
}

func record(h *hdrhistogram.Histogram, d time.Duration) {
	_ = h.RecordValue(min(int64(timemath.Abs(d)), histMaxNs))
}

// Run drives a scheduler for cfg.Ticks ticks on the calling goroutine. If
// ctx is done early, the result covers the ticks run so far and the context
// error is returned with it.
func Run(ctx context.Context, log *zap.Logger, clk timebase.LocalClock, cfg Config) (Result, error) {
	if cfg.Ticks == 0 {
		return Result{}, errNoTicks
	}
	s, err := sched.WithPeriod(clk, cfg.Period)
	if err != nil {
		return Result{}, err
	}
	work := cfg.Work
	if work == nil {
		work = (&filterChain{}).run
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := s.ApplyRTSetup(cfg.RT); err != nil {
		log.Info("real-time setup not applied", zap.Error(err))
	}

	jitterH := hdrhistogram.New(1, histMaxNs, 3)
	procH := hdrhistogram.New(1, histMaxNs, 3)
	loopH := hdrhistogram.New(1, histMaxNs, 3)
	var violations uint64
	for i := cfg.Ticks; i > 0 && ctx.Err() == nil; i-- {
		tick, err := s.WaitForTick()
		if err != nil {
			violations++
		}
		wake := clk.Now()
		work(tick)
		proc := clk.Now().Sub(wake)
		drift := timemath.Abs(s.MetricsMut().LastJitter())
		s.RecordProcessingTimeUs(timemath.Micros(proc))
		record(jitterH, drift)
		record(procH, proc)
		record(loopH, drift+proc)
	}

	m := s.MetricsMut()
	r := Result{
		RTLoopUs:               float64(loopH.ValueAtQuantile(99)) / 1e3,
		JitterP99Ms:            float64(jitterH.ValueAtQuantile(99)) / 1e6,
		MissedTickRate:         m.MissedTickRate() * 100,
		ProcessingTimeMedianUs: float64(procH.ValueAtQuantile(50)) / 1e3,
		ProcessingTimeP99Us:    float64(procH.ValueAtQuantile(99)) / 1e3,
	}
	log.Info("benchmark finished",
		zap.Uint64("ticks", m.TotalTicks()),
		zap.Uint64("missed_ticks", m.MissedTicks()),
		zap.Uint64("timing_violations", violations),
		zap.Duration("max_jitter", m.MaxJitter()),
		zap.Float64("rt_loop_us", r.RTLoopUs),
		zap.Float64("jitter_p99_ms", r.JitterP99Ms),
		zap.Float64("processing_time_median_us", r.ProcessingTimeMedianUs),
		zap.Float64("processing_time_p99_us", r.ProcessingTimeP99Us),
		zap.Bool("passed", r.MeetsPerformanceGates()),
	)
	if cfg.Percentiles != nil {
		if _, err := jitterH.PercentilesPrint(cfg.Percentiles, 1, 1e3); err != nil {
			log.Info("failed to print jitter percentiles", zap.Error(err))
		}
	}
	return r, ctx.Err()
}
