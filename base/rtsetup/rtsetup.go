package rtsetup

import (
	"errors"
	"fmt"
)

const (
	DefaultPriority = 50

	minPriority = 1
	maxPriority = 99
)

var (
	errInvalidPriority = errors.New("invalid real-time priority")
	errInvalidCPU      = errors.New("invalid CPU in affinity set")
)

// Setup describes the OS-level real-time configuration of the thread that
// drives the control loop.
type Setup struct {
	HighPriority bool
	Priority     int
	LockMemory   bool
	CPUAffinity  []int
}

func Default() Setup {
	return Setup{
		HighPriority: true,
		Priority:     DefaultPriority,
		LockMemory:   true,
	}
}

func (s Setup) Validate() error {
	if s.HighPriority && (s.Priority < minPriority || s.Priority > maxPriority) {
		return fmt.Errorf("%w: %d not in [%d, %d]", errInvalidPriority, s.Priority, minPriority, maxPriority)
	}
	seen := make(map[int]bool, len(s.CPUAffinity))
	for _, cpu := range s.CPUAffinity {
		if cpu < 0 || seen[cpu] {
			return fmt.Errorf("%w: %d", errInvalidCPU, cpu)
		}
		seen[cpu] = true
	}
	return nil
}

// Empty reports whether applying s would change nothing.
func (s Setup) Empty() bool {
	return !s.HighPriority && !s.LockMemory && len(s.CPUAffinity) == 0
}
