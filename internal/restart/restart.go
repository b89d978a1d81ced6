// Package restart contains the supervisor's restart-policy decision
// functions, extracted so the control loop and its tests can exercise
// the policy table without spawning processes.
package restart

import (
	"math"
	"time"

	"github.com/ocelotmarkets/botsup/internal/jobtable"
)

// Decision is the pure output of evaluating the restart policy for one
// job on one tick.
type Decision struct {
	NextPhase           jobtable.Phase
	Spawn               bool
	NextEligibleRestart time.Time
}

// NextPhase evaluates the restart-policy table for one job given its
// current runtime state and the just-observed exit.
// noRestart is the global --no-restart flag.
func NextPhase(current *jobtable.RuntimeState, job jobtable.JobSpec, exitCode int, noRestart bool) Decision {
	switch current.Phase {
	case jobtable.PhaseCoolingDown:
		if !time.Now().Before(current.NextEligibleRestart) {
			return Decision{NextPhase: jobtable.PhaseStarting, Spawn: true}
		}
		return Decision{NextPhase: jobtable.PhaseCoolingDown, Spawn: false, NextEligibleRestart: current.NextEligibleRestart}
	}

	if exitCode == 0 {
		if noRestart || job.Restart == jobtable.RestartNever {
			return Decision{NextPhase: jobtable.PhaseExitedOK, Spawn: false}
		}
		if job.Restart == jobtable.RestartOnFailure {
			// on-failure never restarts a clean exit.
			return Decision{NextPhase: jobtable.PhaseExitedOK, Spawn: false}
		}
		return Decision{NextPhase: jobtable.PhaseStarting, Spawn: true}
	}

	// Non-zero exit.
	if noRestart || job.Restart == jobtable.RestartNever {
		return Decision{NextPhase: jobtable.PhaseExitedFail, Spawn: false}
	}
	if job.MaxConsecutiveFailures > 0 && current.ConsecutiveFailures >= job.MaxConsecutiveFailures {
		return Decision{NextPhase: jobtable.PhaseDisabledByPolicy, Spawn: false}
	}

	base := job.CooldownBaseSec
	if base <= 0 {
		base = 1
	}
	ceiling := job.CooldownCapSec
	if ceiling <= 0 {
		ceiling = base
	}
	delay := Backoff(current.ConsecutiveFailures, secondsToDuration(base), secondsToDuration(ceiling))
	return Decision{
		NextPhase:           jobtable.PhaseCoolingDown,
		Spawn:               false,
		NextEligibleRestart: time.Now().Add(delay),
	}
}

// Backoff returns a monotonically increasing, capped delay as a function
// of consecutiveFailures: min(base * 2^(n-1), ceiling).
func Backoff(consecutiveFailures int, base, ceiling time.Duration) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	mult := math.Pow(2, float64(consecutiveFailures-1))
	d := time.Duration(float64(base) * mult)
	if d > ceiling || d < 0 {
		d = ceiling
	}
	return d
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
