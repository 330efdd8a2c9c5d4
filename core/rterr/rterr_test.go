package rterr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"example.com/ffb-rt/core/rterr"
)

func TestSeverity(t *testing.T) {
	tests := []struct {
		err         rterr.RTError
		severity    rterr.Severity
		recoverable bool
	}{
		{rterr.DeviceDisconnected, rterr.Critical, false},
		{rterr.SafetyInterlock, rterr.Critical, false},
		{rterr.TimingViolation, rterr.Warning, true},
		{rterr.DeadlineMissed, rterr.Warning, true},
		{rterr.RTSetupFailed, rterr.Warning, true},
		{rterr.TorqueLimit, rterr.Error, true},
		{rterr.InvalidConfig, rterr.Error, true},
		{rterr.RTError(0), rterr.Critical, false},
		{rterr.RTError(200), rterr.Critical, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.severity, tt.err.Severity())
			assert.Equal(t, tt.recoverable, tt.err.IsRecoverable())
		})
	}
}

func TestErrorsIs(t *testing.T) {
	var err error = rterr.TimingViolation
	wrapped := fmt.Errorf("tick 42: %w", err)
	assert.True(t, errors.Is(wrapped, rterr.TimingViolation))
	assert.False(t, errors.Is(wrapped, rterr.DeadlineMissed))

	var rt rterr.RTError
	assert.True(t, errors.As(wrapped, &rt))
	assert.Equal(t, rterr.TimingViolation, rt)
}

func TestAllHaveText(t *testing.T) {
	all := rterr.All()
	assert.Len(t, all, 10)
	seen := make(map[string]bool)
	for _, e := range all {
		msg := e.Error()
		assert.NotEmpty(t, msg)
		assert.NotEqual(t, "unknown real-time error", msg)
		assert.False(t, seen[msg], "duplicate text %q", msg)
		seen[msg] = true
	}
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "info", rterr.Info.String())
	assert.Equal(t, "critical", rterr.Critical.String())
	assert.Equal(t, "unknown", rterr.Severity(9).String())
}
