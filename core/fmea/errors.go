package fmea

import (
	"errors"
)

var (
	ErrUnknownFaultType   = errors.New("unknown fault type")
	ErrUnknownFaultAction = errors.New("unknown fault action")
	ErrNoActiveFault      = errors.New("no active fault")
	ErrSoftStopInProgress = errors.New("soft-stop still in progress")
	ErrFaultTooRecent     = errors.New("fault duration too short")
	ErrNotCooledDown      = errors.New("temperature has not dropped below the clear threshold")
	ErrInvalidThresholds  = errors.New("invalid fault thresholds")
	ErrRecoveryState      = errors.New("invalid recovery state")
)
