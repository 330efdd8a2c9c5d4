package safety

import (
	"errors"
)

var (
	ErrInvalidConfig       = errors.New("invalid safety configuration")
	ErrHighTorqueActive    = errors.New("high torque already active")
	ErrHighTorqueInactive  = errors.New("high torque not active")
	ErrChallengeInProgress = errors.New("high torque challenge already in progress")
	ErrFaulted             = errors.New("torque disabled by fault")
	ErrNoChallenge         = errors.New("no active high torque challenge")
	ErrChallengeExpired    = errors.New("high torque challenge expired")
	ErrTokenMismatch       = errors.New("invalid challenge token")
	ErrNoActiveFault       = errors.New("no active fault to clear")
	ErrFaultTooRecent      = errors.New("fault duration too short")
)
