package fmea

import (
	"time"

	"example.com/ffb-rt/base/timebase"
)

type AudioAlert uint8

const (
	NoAlert AudioAlert = iota
	SingleBeep
	DoubleBeep
	TripleBeep
	ContinuousBeep
	Urgent
	Warning
	Success
	Startup
	Shutdown
)

const (
	DefaultAlertInterval = 500 * time.Millisecond

	maxPendingAlerts = 8
)

var audioAlertInfos = [...]struct {
	name       string
	severity   uint8
	beeps      uint8
	continuous bool
}{
	NoAlert:        {"none", 0, 0, false},
	SingleBeep:     {"single_beep", 1, 1, false},
	DoubleBeep:     {"double_beep", 2, 2, false},
	TripleBeep:     {"triple_beep", 3, 3, false},
	ContinuousBeep: {"continuous_beep", 5, 0, true},
	Urgent:         {"urgent", 5, 5, true},
	Warning:        {"warning", 3, 3, false},
	Success:        {"success", 1, 2, false},
	Startup:        {"startup", 1, 2, false},
	Shutdown:       {"shutdown", 2, 3, false},
}

func (a AudioAlert) valid() bool { return int(a) < len(audioAlertInfos) }

func (a AudioAlert) String() string {
	if !a.valid() {
		return "unknown"
	}
	return audioAlertInfos[a].name
}

// Severity ranks alerts from 1 (lowest) to 5; higher values take precedence.
func (a AudioAlert) Severity() uint8 {
	if !a.valid() {
		return 0
	}
	return audioAlertInfos[a].severity
}

// BeepCount is the length of the beep pattern, 0 for ContinuousBeep.
func (a AudioAlert) BeepCount() uint8 {
	if !a.valid() {
		return 0
	}
	return audioAlertInfos[a].beeps
}

// IsContinuous reports whether the alert repeats until stopped.
func (a AudioAlert) IsContinuous() bool {
	return a.valid() && audioAlertInfos[a].continuous
}

func AlertForFault(f FaultType) AudioAlert {
	switch f {
	case Overcurrent:
		return Urgent
	case ThermalLimit, SafetyInterlockViolation:
		return ContinuousBeep
	case UsbStall, EncoderNaN, PipelineFault:
		return DoubleBeep
	case HandsOffTimeout:
		return TripleBeep
	case PluginOverrun, TimingViolation:
		return SingleBeep
	default:
		return Urgent
	}
}

// AudioAlertSystem rate-limits alerts. An alert triggered within the minimum
// interval of the previous one is queued only if it outranks everything
// already pending.
type AudioAlertSystem struct {
	clk         timebase.Clock
	enabled     bool
	minInterval time.Duration
	active      AudioAlert
	lastAlert   time.Time
	hasLast     bool
	pending     [maxPendingAlerts]AudioAlert
	npending    int
}

func NewAudioAlertSystem(clk timebase.Clock) *AudioAlertSystem {
	return &AudioAlertSystem{clk: clk, enabled: true, minInterval: DefaultAlertInterval}
}

func (s *AudioAlertSystem) SetEnabled(enabled bool) {
	s.enabled = enabled
	if !enabled {
		s.StopAll()
	}
}

func (s *AudioAlertSystem) IsEnabled() bool { return s.enabled }

func (s *AudioAlertSystem) SetMinInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.minInterval = d
}

// Trigger reports whether a plays immediately. Otherwise it was queued or
// suppressed.
func (s *AudioAlertSystem) Trigger(a AudioAlert) bool {
	if !s.enabled || a == NoAlert || !a.valid() {
		return false
	}
	now := s.clk.Now()
	if !s.hasLast || now.Sub(s.lastAlert) >= s.minInterval {
		s.active = a
		s.lastAlert = now
		s.hasLast = true
		return true
	}
	s.enqueue(a)
	return false
}

func (s *AudioAlertSystem) TriggerForFault(f FaultType) bool {
	return s.Trigger(AlertForFault(f))
}

func (s *AudioAlertSystem) enqueue(a AudioAlert) {
	sev := a.Severity()
	for i := 0; i != s.npending; i++ {
		if s.pending[i].Severity() >= sev {
			return
		}
	}
	n := 0
	for i := 0; i != s.npending; i++ {
		if s.pending[i].Severity() > sev {
			s.pending[n] = s.pending[i]
			n++
		}
	}
	s.npending = n
	if s.npending < len(s.pending) {
		s.pending[s.npending] = a
		s.npending++
	}
}

// Update expires a finished alert, starts the highest-ranked pending one and
// returns the active alert.
func (s *AudioAlertSystem) Update() AudioAlert {
	now := s.clk.Now()
	if s.active != NoAlert {
		if s.active.IsContinuous() {
			return s.active
		}
		if now.Sub(s.lastAlert) >= s.minInterval {
			s.active = NoAlert
		}
	}
	if s.active == NoAlert && s.npending != 0 {
		best := 0
		for i := 1; i != s.npending; i++ {
			if s.pending[i].Severity() > s.pending[best].Severity() {
				best = i
			}
		}
		s.active = s.pending[best]
		s.npending--
		s.pending[best] = s.pending[s.npending]
		s.pending[s.npending] = NoAlert
		s.lastAlert = now
		s.hasLast = true
	}
	return s.active
}

func (s *AudioAlertSystem) Current() AudioAlert { return s.active }

func (s *AudioAlertSystem) IsActive() bool { return s.active != NoAlert }

func (s *AudioAlertSystem) PendingCount() int { return s.npending }

func (s *AudioAlertSystem) Stop() { s.active = NoAlert }

func (s *AudioAlertSystem) ClearPending() {
	s.pending = [maxPendingAlerts]AudioAlert{}
	s.npending = 0
}

func (s *AudioAlertSystem) StopAll() {
	s.Stop()
	s.ClearPending()
}
