// Package safety gates the torque ceiling of a wheel base by operating mode.
// High torque requires an explicit challenge/confirm handshake; faults force
// the ceiling to zero.
package safety

import (
	"context"
	"fmt"
	"math"
	"time"

	"example.com/ffb-rt/base/crypto"
	"example.com/ffb-rt/base/floats"
	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/core/fmea"
)

const (
	DefaultSafeTorqueNm     = 5.0
	DefaultHighTorqueNm     = 25.0
	DefaultChallengeTimeout = 30 * time.Second
	DefaultHandsOffTimeout  = 5 * time.Second
	DefaultMinFaultDwell    = 100 * time.Millisecond
)

type Mode uint8

const (
	SafeTorque Mode = iota
	HighTorqueChallenge
	HighTorqueActive
	Faulted
)

func (m Mode) String() string {
	switch m {
	case SafeTorque:
		return "safe_torque"
	case HighTorqueChallenge:
		return "high_torque_challenge"
	case HighTorqueActive:
		return "high_torque_active"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// State is an owned copy of the gate state. Only the fields of the current
// mode are set: Token and Expires in HighTorqueChallenge, Since and
// DeviceToken in HighTorqueActive, Fault and Since in Faulted.
type State struct {
	Mode        Mode
	Token       uint32
	Expires     time.Time
	Since       time.Time
	DeviceToken uint32
	Fault       fmea.FaultType
}

type Config struct {
	SafeTorqueNm     float32
	HighTorqueNm     float32
	ChallengeTimeout time.Duration
	HandsOffTimeout  time.Duration
	MinFaultDwell    time.Duration
}

func DefaultConfig() Config {
	return Config{
		SafeTorqueNm:     DefaultSafeTorqueNm,
		HighTorqueNm:     DefaultHighTorqueNm,
		ChallengeTimeout: DefaultChallengeTimeout,
		HandsOffTimeout:  DefaultHandsOffTimeout,
		MinFaultDwell:    DefaultMinFaultDwell,
	}
}

func (c Config) Validate() error {
	finite := func(f float32) bool { return floats.IsFinite(float64(f)) }
	switch {
	case !finite(c.SafeTorqueNm) || c.SafeTorqueNm <= 0:
		return fmt.Errorf("%w: safe torque = %v", ErrInvalidConfig, c.SafeTorqueNm)
	case !finite(c.HighTorqueNm) || c.HighTorqueNm < c.SafeTorqueNm:
		return fmt.Errorf("%w: high torque = %v", ErrInvalidConfig, c.HighTorqueNm)
	case c.ChallengeTimeout <= 0:
		return fmt.Errorf("%w: challenge timeout = %v", ErrInvalidConfig, c.ChallengeTimeout)
	case c.HandsOffTimeout <= 0:
		return fmt.Errorf("%w: hands-off timeout = %v", ErrInvalidConfig, c.HandsOffTimeout)
	case c.MinFaultDwell < 0:
		return fmt.Errorf("%w: minimum fault dwell = %v", ErrInvalidConfig, c.MinFaultDwell)
	}
	return nil
}

// Service is the torque-mode gate. It is not safe for concurrent use; the
// control loop owns it and publishes State copies.
type Service struct {
	clk        timebase.Clock
	cfg        Config
	state      State
	faultCount map[fmea.FaultType]uint32
	newToken   func(ctx context.Context) (uint32, error)
}

func NewService(clk timebase.Clock, cfg Config) (*Service, error) {
	if clk == nil {
		return nil, fmt.Errorf("%w: nil clock", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	faults := fmea.AllFaultTypes()
	s := &Service{
		clk:        clk,
		cfg:        cfg,
		faultCount: make(map[fmea.FaultType]uint32, len(faults)),
		newToken:   crypto.RandNonZeroUint32,
	}
	for _, f := range faults {
		s.faultCount[f] = 0
	}
	return s, nil
}

// NewDefaultService returns a service with the given ceilings and default
// timeouts.
func NewDefaultService(clk timebase.Clock, safeNm, highNm float32) (*Service, error) {
	cfg := DefaultConfig()
	cfg.SafeTorqueNm = safeNm
	cfg.HighTorqueNm = highNm
	return NewService(clk, cfg)
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) State() State { return s.state }

func (s *Service) Mode() Mode { return s.state.Mode }

// MaxTorqueNm is the ceiling of the current mode.
func (s *Service) MaxTorqueNm() float32 {
	switch s.state.Mode {
	case HighTorqueActive:
		return s.cfg.HighTorqueNm
	case Faulted:
		return 0
	default:
		return s.cfg.SafeTorqueNm
	}
}

// ClampTorqueNm limits a requested torque to ±MaxTorqueNm. Non-finite
// requests yield zero.
func (s *Service) ClampTorqueNm(requestedNm float32) float32 {
	t := float64(requestedNm)
	if math.IsInf(t, 0) {
		return 0
	}
	limit := float64(s.MaxTorqueNm())
	return float32(floats.Clamp(t, -limit, limit))
}

// RequestHighTorque starts a challenge and returns its token. It is only
// accepted in SafeTorque mode; an expired challenge is discarded first.
func (s *Service) RequestHighTorque(ctx context.Context) (uint32, error) {
	s.CheckChallengeExpiry()
	switch s.state.Mode {
	case HighTorqueActive:
		return 0, ErrHighTorqueActive
	case HighTorqueChallenge:
		return 0, ErrChallengeInProgress
	case Faulted:
		return 0, fmt.Errorf("%w: %v", ErrFaulted, s.state.Fault.Name())
	}
	token, err := s.newToken(ctx)
	if err != nil {
		return 0, err
	}
	s.state = State{
		Mode:    HighTorqueChallenge,
		Token:   token,
		Expires: s.clk.Now().Add(s.cfg.ChallengeTimeout),
	}
	return token, nil
}

// ConfirmHighTorque completes the challenge identified by token. A wrong
// token leaves the challenge pending; a late confirmation ends it and
// returns to SafeTorque.
func (s *Service) ConfirmHighTorque(token uint32) error {
	switch s.state.Mode {
	case HighTorqueChallenge:
	case Faulted:
		return fmt.Errorf("%w: %v", ErrFaulted, s.state.Fault.Name())
	default:
		return ErrNoChallenge
	}
	if token != s.state.Token {
		return ErrTokenMismatch
	}
	now := s.clk.Now()
	if now.After(s.state.Expires) {
		s.state = State{Mode: SafeTorque}
		return ErrChallengeExpired
	}
	s.state = State{
		Mode:        HighTorqueActive,
		Since:       now,
		DeviceToken: token,
	}
	return nil
}

// CheckHandsOffTimeout leaves high torque mode once the measured hands-off
// duration exceeds the timeout. It reports whether it did.
func (s *Service) CheckHandsOffTimeout(handsOff time.Duration) bool {
	if s.state.Mode != HighTorqueActive || handsOff <= s.cfg.HandsOffTimeout {
		return false
	}
	s.state = State{Mode: SafeTorque}
	return true
}

// ReportFault enters Faulted from any mode. A repeated report restarts the
// dwell time.
func (s *Service) ReportFault(f fmea.FaultType) {
	if n := s.faultCount[f]; n < math.MaxUint32 {
		s.faultCount[f] = n + 1
	}
	s.state = State{
		Mode:  Faulted,
		Fault: f,
		Since: s.clk.Now(),
	}
}

// CanClearFault reports the error ClearFault would return now without
// changing state.
func (s *Service) CanClearFault() error {
	if s.state.Mode != Faulted {
		return ErrNoActiveFault
	}
	if s.clk.Now().Sub(s.state.Since) < s.cfg.MinFaultDwell {
		return ErrFaultTooRecent
	}
	return nil
}

func (s *Service) ClearFault() error {
	if err := s.CanClearFault(); err != nil {
		return err
	}
	s.state = State{Mode: SafeTorque}
	return nil
}

func (s *Service) CancelChallenge() error {
	if s.state.Mode != HighTorqueChallenge {
		return ErrNoChallenge
	}
	s.state = State{Mode: SafeTorque}
	return nil
}

func (s *Service) DisableHighTorque() error {
	if s.state.Mode != HighTorqueActive {
		return ErrHighTorqueInactive
	}
	s.state = State{Mode: SafeTorque}
	return nil
}

// CheckChallengeExpiry discards a challenge past its expiry and reports
// whether it did.
func (s *Service) CheckChallengeExpiry() bool {
	if s.state.Mode != HighTorqueChallenge || !s.clk.Now().After(s.state.Expires) {
		return false
	}
	s.state = State{Mode: SafeTorque}
	return true
}

// ChallengeTimeRemaining is the time left to confirm the pending challenge,
// zero once it has expired.
func (s *Service) ChallengeTimeRemaining() (time.Duration, bool) {
	if s.state.Mode != HighTorqueChallenge {
		return 0, false
	}
	d := s.state.Expires.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Service) FaultCount(f fmea.FaultType) uint32 { return s.faultCount[f] }
