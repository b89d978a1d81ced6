// Package jobtable holds the immutable job specification and mutable
// runtime state types shared by the supervisor and the daemon driver.
package jobtable

import "time"

// Restart describes a job's restart policy, taken from the config file's
// restart field.
type Restart string

const (
	RestartAlways    Restart = "always"
	RestartOnFailure Restart = "on-failure"
	RestartNever     Restart = "never"
)

// Phase is a job's lifecycle state.
type Phase string

const (
	PhasePending          Phase = "pending"
	PhaseStarting         Phase = "starting"
	PhaseRunning          Phase = "running"
	PhaseStopping         Phase = "stopping"
	PhaseExitedOK         Phase = "exited-ok"
	PhaseExitedFail       Phase = "exited-fail"
	PhaseCoolingDown      Phase = "cooling-down"
	PhaseDisabledByPolicy Phase = "disabled-by-policy"
	PhaseHalted           Phase = "halted"
)

// Terminal reports whether phase will not itself transition further
// without supervisor intervention (restart-policy decision).
func (p Phase) Terminal() bool {
	switch p {
	case PhaseExitedOK, PhaseExitedFail, PhaseDisabledByPolicy, PhaseHalted:
		return true
	default:
		return false
	}
}

// JobSpec is immutable for the life of one supervisor run.
type JobSpec struct {
	Name                   string
	Enabled                bool
	Program                string
	Args                   []string
	Env                    map[string]string
	Cwd                    string
	LogFile                string
	Restart                Restart
	MaxConsecutiveFailures int // 0 means unbounded
	CooldownBaseSec        float64
	CooldownCapSec         float64
	MaxRunSeconds          int // 0 means unbounded
}

// RuntimeState is mutable, owned exclusively by the supervisor's single
// control goroutine.
type RuntimeState struct {
	Name                string
	Phase               Phase
	PID                 int
	LastStartedAt       time.Time
	LastExitedAt        time.Time
	LastExitCode        int
	ConsecutiveFailures int
	RestartCount        int
	TotalUptime         time.Duration
	LastLogOffset       int64
	NextEligibleRestart time.Time
}

// NewRuntimeState returns the initial pending state for a job.
func NewRuntimeState(name string) *RuntimeState {
	return &RuntimeState{Name: name, Phase: PhasePending}
}
