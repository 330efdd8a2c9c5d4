// Package monitor exports control loop snapshots as Prometheus metrics.
package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/ffb-rt/base/metrics"
	"example.com/ffb-rt/base/timemath"
	"example.com/ffb-rt/core/engine"
	"example.com/ffb-rt/core/fmea"
	"example.com/ffb-rt/core/safety"
)

const DefaultInterval = time.Second

var modes = [...]safety.Mode{
	safety.SafeTorque,
	safety.HighTorqueChallenge,
	safety.HighTorqueActive,
	safety.Faulted,
}

type Source interface {
	Snapshot() engine.Snapshot
}

// Exporter mirrors engine snapshots into metrics. Counters advance by the
// difference to the previous snapshot. Update must not be called
// concurrently.
type Exporter struct {
	ticks       prometheus.Counter
	missedTicks prometheus.Counter
	violations  prometheus.Counter
	writeErrors prometheus.Counter
	readErrors  prometheus.Counter

	missedRate    prometheus.Gauge
	jitterP50     prometheus.Gauge
	jitterP99     prometheus.Gauge
	maxJitter     prometheus.Gauge
	targetPeriod  prometheus.Gauge
	correction    prometheus.Gauge
	processingP99 prometheus.Gauge
	torque        prometheus.Gauge
	multiplier    prometheus.Gauge
	quarantined   prometheus.Gauge
	maxTorque     prometheus.Gauge

	faultActive      *prometheus.GaugeVec
	faultOccurrences *prometheus.CounterVec
	safetyMode       *prometheus.GaugeVec

	last engine.Snapshot
}

func NewExporter(reg prometheus.Registerer) *Exporter {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	return &Exporter{
		ticks:         counter(metrics.LoopTicksN, metrics.LoopTicksH),
		missedTicks:   counter(metrics.LoopMissedTicksN, metrics.LoopMissedTicksH),
		violations:    counter(metrics.LoopTimingViolationsN, metrics.LoopTimingViolationsH),
		writeErrors:   counter(metrics.DeviceWriteErrorsN, metrics.DeviceWriteErrorsH),
		readErrors:    counter(metrics.DeviceReadErrorsN, metrics.DeviceReadErrorsH),
		missedRate:    gauge(metrics.LoopMissedTickRateN, metrics.LoopMissedTickRateH),
		jitterP50:     gauge(metrics.LoopJitterP50N, metrics.LoopJitterP50H),
		jitterP99:     gauge(metrics.LoopJitterP99N, metrics.LoopJitterP99H),
		maxJitter:     gauge(metrics.LoopMaxJitterN, metrics.LoopMaxJitterH),
		targetPeriod:  gauge(metrics.LoopTargetPeriodN, metrics.LoopTargetPeriodH),
		correction:    gauge(metrics.LoopCorrectionN, metrics.LoopCorrectionH),
		processingP99: gauge(metrics.LoopProcessingP99N, metrics.LoopProcessingP99H),
		torque:        gauge(metrics.DeviceTorqueN, metrics.DeviceTorqueH),
		multiplier:    gauge(metrics.FaultTorqueMultiplierN, metrics.FaultTorqueMultiplierH),
		quarantined:   gauge(metrics.FaultQuarantinedN, metrics.FaultQuarantinedH),
		maxTorque:     gauge(metrics.SafetyMaxTorqueN, metrics.SafetyMaxTorqueH),
		faultActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: metrics.FaultActiveN,
			Help: metrics.FaultActiveH,
		}, []string{"fault"}),
		faultOccurrences: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.FaultOccurrencesN,
			Help: metrics.FaultOccurrencesH,
		}, []string{"fault"}),
		safetyMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: metrics.SafetyModeN,
			Help: metrics.SafetyModeH,
		}, []string{"mode"}),
	}
}

func (x *Exporter) Update(s engine.Snapshot) {
	addDelta(x.ticks, x.last.TotalTicks, s.TotalTicks)
	addDelta(x.missedTicks, x.last.MissedTicks, s.MissedTicks)
	addDelta(x.violations, x.last.TimingViolations, s.TimingViolations)
	addDelta(x.writeErrors, x.last.WriteErrors, s.WriteErrors)
	addDelta(x.readErrors, x.last.ReadErrors, s.ReadErrors)

	x.missedRate.Set(s.MissedTickRate)
	x.jitterP50.Set(timemath.Seconds(s.JitterP50))
	x.jitterP99.Set(timemath.Seconds(s.JitterP99))
	x.maxJitter.Set(timemath.Seconds(s.MaxJitter))
	x.targetPeriod.Set(timemath.Seconds(s.TargetPeriod))
	x.correction.Set(timemath.Seconds(s.Correction))
	x.processingP99.Set(s.ProcessingP99Us / 1e6)
	x.torque.Set(float64(s.TorqueNm))
	x.multiplier.Set(float64(s.Fault.TorqueMultiplier))
	x.quarantined.Set(float64(len(s.Quarantined)))
	x.maxTorque.Set(float64(s.MaxTorqueNm))

	for i, st := range s.FaultStats {
		var prev uint64
		if i < len(x.last.FaultStats) && x.last.FaultStats[i].Fault == st.Fault {
			prev = x.last.FaultStats[i].Count
		}
		addDelta(x.faultOccurrences.WithLabelValues(st.Fault.Name()), prev, st.Count)
	}
	for _, f := range fmea.AllFaultTypes() {
		active := s.Fault.HasActiveFault && s.Fault.ActiveFault == f
		x.faultActive.WithLabelValues(f.Name()).Set(indicator(active))
	}
	for _, m := range modes {
		x.safetyMode.WithLabelValues(m.String()).Set(indicator(s.Safety.Mode == m))
	}
	x.last = s
}

// Run updates x from src every interval until ctx is done.
func (x *Exporter) Run(ctx context.Context, src Source, interval time.Duration) {
	if interval <= 0 {
		panic("invalid monitor interval")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		x.Update(src.Snapshot())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// addDelta advances c from prev to cur. A value below prev means the source
// was reset and counts from zero.
func addDelta(c prometheus.Counter, prev, cur uint64) {
	if cur < prev {
		prev = 0
	}
	if cur != prev {
		c.Add(float64(cur - prev))
	}
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
