//go:build linux

package clock

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"github.com/tklauser/go-sysconf"

	"example.com/ffb-rt/base/rtsetup"
	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/base/unixutil"
)

// SystemClock reads and sleeps on CLOCK_MONOTONIC. Its times are only
// comparable with each other. ApplyRTSetup configures the calling thread.
type SystemClock struct {
	Log *zap.Logger
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func now(log *zap.Logger) time.Time {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	if err != nil {
		log.Fatal("unix.ClockGettime failed", zap.Error(err))
	}
	return time.Unix(0, unixutil.NsecFromTimespec(ts))
}

func sleepUntil(log *zap.Logger, deadline time.Time) {
	ts := unixutil.TimespecFromNsec(deadline.UnixNano())
	for {
		err := unix.ClockNanosleep(unix.CLOCK_MONOTONIC, unix.TIMER_ABSTIME, &ts, nil /* remain */)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Fatal("unix.ClockNanosleep failed", zap.Error(err))
		}
		break
	}
}

func (c *SystemClock) Now() time.Time {
	return now(c.Log)
}

func (c *SystemClock) Sleep(duration time.Duration) {
	if duration < 0 {
		panic("invalid duration value")
	}
	sleepUntil(c.Log, now(c.Log).Add(duration))
}

// SleepUntil blocks until the absolute deadline. It returns immediately if
// the deadline has passed.
func (c *SystemClock) SleepUntil(deadline time.Time) {
	sleepUntil(c.Log, deadline)
}

func (c *SystemClock) ApplyRTSetup(setup rtsetup.Setup) error {
	var err error
	if setup.LockMemory {
		if e := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); e != nil {
			err = multierr.Append(err, fmt.Errorf("mlockall: %w", e))
		}
	}
	if len(setup.CPUAffinity) != 0 {
		err = multierr.Append(err, setAffinity(setup.CPUAffinity))
	}
	if setup.HighPriority {
		attr := unix.SchedAttr{
			Size:     unix.SizeofSchedAttr,
			Policy:   unix.SCHED_FIFO,
			Priority: uint32(setup.Priority),
		}
		if e := unix.SchedSetAttr(0 /* calling thread */, &attr, 0 /* flags */); e != nil {
			err = multierr.Append(err, fmt.Errorf("sched_setattr: %w", e))
		}
	}
	c.Log.Debug("applied real-time setup",
		zap.Bool("lock_memory", setup.LockMemory),
		zap.Ints("cpu_affinity", setup.CPUAffinity),
		zap.Bool("high_priority", setup.HighPriority),
		zap.Int("priority", setup.Priority),
		zap.Error(err),
	)
	return err
}

func setAffinity(cpus []int) error {
	n, err := sysconf.Sysconf(sysconf.SC_NPROCESSORS_CONF)
	if err != nil {
		return fmt.Errorf("sysconf: %w", err)
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu < 0 || int64(cpu) >= n {
			return fmt.Errorf("cpu %d not in [0, %d)", cpu, n)
		}
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0 /* calling thread */, &set); err != nil {
		return fmt.Errorf("sched_setaffinity: %w", err)
	}
	return nil
}
