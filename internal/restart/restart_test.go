package restart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ocelotmarkets/botsup/internal/jobtable"
)

func TestBackoffMonotonicAndCapped(t *testing.T) {
	base := time.Second
	ceiling := 4 * time.Second
	var prev time.Duration
	for n := 1; n <= 6; n++ {
		d := Backoff(n, base, ceiling)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, ceiling)
		prev = d
	}
	assert.Equal(t, ceiling, Backoff(6, base, ceiling))
}

func TestNextPhaseExitOkRestartAlways(t *testing.T) {
	rs := &jobtable.RuntimeState{Phase: jobtable.PhaseRunning}
	job := jobtable.JobSpec{Restart: jobtable.RestartAlways}
	d := NextPhase(rs, job, 0, false)
	assert.Equal(t, jobtable.PhaseStarting, d.NextPhase)
	assert.True(t, d.Spawn)
}

func TestNextPhaseExitOkRestartOnFailureDoesNotRespawn(t *testing.T) {
	rs := &jobtable.RuntimeState{Phase: jobtable.PhaseRunning}
	job := jobtable.JobSpec{Restart: jobtable.RestartOnFailure}
	d := NextPhase(rs, job, 0, false)
	assert.Equal(t, jobtable.PhaseExitedOK, d.NextPhase)
	assert.False(t, d.Spawn)
}

func TestNextPhaseFailureBelowMaxSchedulesCooldown(t *testing.T) {
	rs := &jobtable.RuntimeState{Phase: jobtable.PhaseRunning, ConsecutiveFailures: 1}
	job := jobtable.JobSpec{Restart: jobtable.RestartOnFailure, MaxConsecutiveFailures: 3, CooldownBaseSec: 1, CooldownCapSec: 4}
	d := NextPhase(rs, job, 1, false)
	assert.Equal(t, jobtable.PhaseCoolingDown, d.NextPhase)
	assert.False(t, d.Spawn)
	assert.True(t, d.NextEligibleRestart.After(time.Now()))
}

func TestNextPhaseFailureAtMaxDisablesByPolicy(t *testing.T) {
	rs := &jobtable.RuntimeState{Phase: jobtable.PhaseRunning, ConsecutiveFailures: 3}
	job := jobtable.JobSpec{Restart: jobtable.RestartOnFailure, MaxConsecutiveFailures: 3}
	d := NextPhase(rs, job, 1, false)
	assert.Equal(t, jobtable.PhaseDisabledByPolicy, d.NextPhase)
	assert.False(t, d.Spawn)
}

func TestNextPhaseCoolingDownWaitsUntilEligible(t *testing.T) {
	rs := &jobtable.RuntimeState{Phase: jobtable.PhaseCoolingDown, NextEligibleRestart: time.Now().Add(time.Hour)}
	job := jobtable.JobSpec{Restart: jobtable.RestartOnFailure, MaxConsecutiveFailures: 3}
	d := NextPhase(rs, job, 1, false)
	assert.Equal(t, jobtable.PhaseCoolingDown, d.NextPhase)
	assert.False(t, d.Spawn)
}

func TestNextPhaseCoolingDownSpawnsWhenEligible(t *testing.T) {
	rs := &jobtable.RuntimeState{Phase: jobtable.PhaseCoolingDown, NextEligibleRestart: time.Now().Add(-time.Second)}
	job := jobtable.JobSpec{Restart: jobtable.RestartOnFailure, MaxConsecutiveFailures: 3}
	d := NextPhase(rs, job, 1, false)
	assert.Equal(t, jobtable.PhaseStarting, d.NextPhase)
	assert.True(t, d.Spawn)
}

func TestNextPhaseNoRestartFlagNeverRespawns(t *testing.T) {
	rs := &jobtable.RuntimeState{Phase: jobtable.PhaseRunning}
	job := jobtable.JobSpec{Restart: jobtable.RestartAlways}
	d := NextPhase(rs, job, 0, true)
	assert.Equal(t, jobtable.PhaseExitedOK, d.NextPhase)
	assert.False(t, d.Spawn)
}
