package engine

import (
	"time"

	"example.com/ffb-rt/core/fmea"
	"example.com/ffb-rt/core/safety"
	"example.com/ffb-rt/core/sched"
)

// Snapshot is an owned copy of the loop state, published periodically for
// observers on other goroutines.
type Snapshot struct {
	Time time.Time
	Tick uint64

	TotalTicks     uint64
	MissedTicks    uint64
	MissedTickRate float64
	MaxJitter      time.Duration
	LastJitter     time.Duration
	JitterP50      time.Duration
	JitterP99      time.Duration
	TargetPeriod   time.Duration
	Correction     time.Duration
	PLLStable      bool

	ProcessingP50Us float64
	ProcessingP99Us float64

	Fault       fmea.Snapshot
	FaultStats  []fmea.FaultStatistics
	Quarantined []string

	Safety      safety.State
	MaxTorqueNm float32
	TorqueNm    float32

	TimingViolations uint64
	WriteErrors      uint64
	ReadErrors       uint64
}

// MeetsTimingRequirements applies the same gate as
// sched.JitterSnapshot.MeetsRequirements.
func (s Snapshot) MeetsTimingRequirements() bool {
	return s.JitterP99 <= sched.MaxJitterP99 && s.MissedTickRate <= sched.MaxMissedTickRate
}
