// Package snapshot defines the on-disk, bit-exact schema shared by the
// supervisor and the daemon driver, and the atomic read/write path
// external tools (status, stop) use to observe and influence them.
package snapshot

import (
	"time"

	"github.com/google/uuid"

	"github.com/ocelotmarkets/botsup/internal/atomicfile"
	"github.com/ocelotmarkets/botsup/internal/jobtable"
)

// SchemaVersion is the current state-file schema version.
const SchemaVersion = 1

// Job is the per-job entry in a persisted snapshot.
type Job struct {
	Name                string        `json:"name"`
	Enabled             bool          `json:"enabled"`
	Phase               jobtable.Phase `json:"phase"`
	PID                 int           `json:"pid"`
	LastExitCode        int           `json:"last_exit_code"`
	LastStartedAt        time.Time    `json:"last_started_at"`
	LastExitedAt         time.Time    `json:"last_exited_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RestartCount        int           `json:"restart_count"`
}

// Counters aggregates per-job phases into top-level totals.
type Counters struct {
	JobsTotal   int `json:"jobs_total"`
	JobsEnabled int `json:"jobs_enabled"`
	JobsRunning int `json:"jobs_running"`
	JobsFailed  int `json:"jobs_failed"`
}

// Snapshot is the full state-file content, written by exactly one
// supervisor/daemon process and read by status/stop and external tools.
type Snapshot struct {
	SchemaVersion int       `json:"schema_version"`
	SupervisorPID int       `json:"supervisor_pid"`
	BootNonce     string    `json:"boot_nonce"`
	StartedAt     time.Time `json:"started_at"`
	ConfigPath    string    `json:"config_path"`
	StopRequested bool      `json:"stop_requested"`
	Jobs          []Job     `json:"jobs"`
	Counters      Counters  `json:"counters"`

	// NextFireAt is set only by the daemon driver's single-job snapshot;
	// the supervisor never populates it. Additive field, does not affect
	// the bit-exact supervisor schema.
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

// NewBootNonce returns a fresh UUIDv4 string, generated once per
// supervisor start.
func NewBootNonce() string {
	return uuid.NewString()
}

// Aggregate recomputes Counters from Jobs.
func (s *Snapshot) Aggregate() {
	c := Counters{}
	for _, j := range s.Jobs {
		c.JobsTotal++
		if j.Enabled {
			c.JobsEnabled++
		}
		if j.Phase == jobtable.PhaseRunning || j.Phase == jobtable.PhaseStarting {
			c.JobsRunning++
		}
		if j.Phase == jobtable.PhaseExitedFail || j.Phase == jobtable.PhaseDisabledByPolicy || j.Phase == jobtable.PhaseHalted {
			c.JobsFailed++
		}
	}
	s.Counters = c
}

// Write persists the snapshot to path via the Atomic File Store.
func Write(path string, s *Snapshot) error {
	return atomicfile.WriteJSON(path, s, true)
}

// Read loads the snapshot from path. It returns atomicfile.ErrNotYetAvailable
// under the same conditions atomicfile.Read does.
func Read(path string) (*Snapshot, error) {
	var s Snapshot
	if err := atomicfile.ReadJSON(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
