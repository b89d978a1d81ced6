// Package supervisor is the control loop: it owns the job table, applies
// the restart policy, aggregates worker lifecycle events into a live
// status snapshot, persists that snapshot through the Atomic File Store,
// listens for an out-of-process stop request through the same snapshot,
// and terminates on bounded runtime or global halt conditions.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocelotmarkets/botsup/internal/env"
	"github.com/ocelotmarkets/botsup/internal/history"
	"github.com/ocelotmarkets/botsup/internal/history/factory"
	"github.com/ocelotmarkets/botsup/internal/instancelock"
	"github.com/ocelotmarkets/botsup/internal/jobtable"
	"github.com/ocelotmarkets/botsup/internal/metrics"
	"github.com/ocelotmarkets/botsup/internal/restart"
	"github.com/ocelotmarkets/botsup/internal/snapshot"
	"github.com/ocelotmarkets/botsup/internal/worker"
)

// Exit codes returned by Run.
const (
	ExitClean              = 0
	ExitConfigError        = 2
	ExitLockBusy           = 3
	ExitHaltOnJobFailure   = 4
	ExitHaltWhenAllStopped = 5
	ExitInternalError      = 6
)

// Config holds the run subcommand's flags.
type Config struct {
	ConfigPath         string
	StateFilePath      string
	PollInterval       time.Duration
	WriteStateInterval time.Duration
	RunSeconds         int
	NoRestart          bool
	HaltOnJobFailure   bool
	HaltWhenAllStopped bool
	// HistoryDSN, when non-empty, is parsed by internal/history/factory
	// into a durable sink that job start/stop events are mirrored to.
	HistoryDSN string
}

type jobEntry struct {
	spec    jobtable.JobSpec
	runtime *jobtable.RuntimeState
	handle  *worker.Handle
}

// Supervisor is the control-loop owner. One control goroutine is the sole
// writer to entries; it must not be shared across goroutines.
type Supervisor struct {
	cfg     Config
	log     *slog.Logger
	lock    *instancelock.Lock
	entries map[string]*jobEntry
	order   []string
	env     *env.Env
	history history.Sink

	bootNonce             string
	startedAt             time.Time
	stopping              bool
	stopRequestedObserved bool
}

// New constructs a Supervisor from a loaded job table. jobs must already
// be validated (non-empty argv, unique names, poll_interval > 0).
func New(cfg Config, jobs []jobtable.JobSpec, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		log:     log,
		entries: make(map[string]*jobEntry, len(jobs)),
		env:     env.New(),
	}
	for _, j := range jobs {
		s.entries[j.Name] = &jobEntry{spec: j, runtime: jobtable.NewRuntimeState(j.Name)}
		s.order = append(s.order, j.Name)
	}
	return s
}

func lockPathFor(statePath string) string {
	return statePath + ".lock"
}

// Run executes the full startup → main loop → shutdown sequence and
// returns the process exit code. A panic anywhere in the control loop is
// recovered and reported as ExitInternalError rather than crashing the
// process, since an operator relying on the state file for out-of-process
// control needs a final snapshot write even on an unexpected failure.
func (s *Supervisor) Run(ctx context.Context) (code int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor recovered from panic", "panic", r)
			if s.lock != nil {
				if err := s.writeSnapshot(); err != nil {
					s.log.Warn("final snapshot write failed", "error", err)
				}
			}
			code = ExitInternalError
		}
	}()
	return s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) int {
	lock, err := instancelock.Acquire(lockPathFor(s.cfg.StateFilePath), "supervisor")
	if err != nil {
		s.log.Error("instance lock busy", "error", err)
		return ExitLockBusy
	}
	s.lock = lock
	defer func() { _ = s.lock.Release() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		s.log.Warn("metrics registration failed, continuing without them", "error", err)
	}

	if s.cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(s.cfg.HistoryDSN)
		if err != nil {
			s.log.Warn("history sink unavailable, continuing without it", "error", err)
		} else {
			s.history = sink
			defer func() { _ = s.history.Close() }()
		}
	}

	s.bootNonce = snapshot.NewBootNonce()
	s.startedAt = time.Now().UTC()

	if err := s.writeSnapshot(); err != nil {
		s.log.Warn("initial snapshot write failed", "error", err)
	}

	for _, name := range s.order {
		e := s.entries[name]
		if e.spec.Enabled {
			s.spawn(e)
		}
	}

	return s.loop(ctx)
}

func (s *Supervisor) spawn(e *jobEntry) {
	e.runtime.Phase = jobtable.PhaseStarting
	h, err := worker.Start(e.spec, s.env)
	if err != nil {
		s.log.Error("worker spawn failed", "job", e.spec.Name, "error", err)
		e.runtime.Phase = jobtable.PhaseExitedFail
		e.runtime.LastExitCode = -1
		e.runtime.ConsecutiveFailures++
		e.runtime.LastExitedAt = time.Now().UTC()
		return
	}
	e.handle = h
	e.runtime.Phase = jobtable.PhaseRunning
	e.runtime.PID = h.PID
	e.runtime.LastStartedAt = time.Now().UTC()
	e.runtime.RestartCount++
	metrics.IncStart(e.spec.Name)
	metrics.SetPhase(e.spec.Name, string(jobtable.PhaseRunning), true)
	s.log.Info("job started", "job", e.spec.Name, "pid", h.PID)
	s.emitHistory(history.Event{
		Type:       history.EventStart,
		OccurredAt: e.runtime.LastStartedAt,
		JobName:    e.spec.Name,
		PID:        h.PID,
		Phase:      jobtable.PhaseRunning,
		Uniq:       fmt.Sprintf("%s-%s-%d", s.bootNonce, e.spec.Name, e.runtime.RestartCount),
	})
}

// emitHistory sends e to the configured history sink, if any, from its
// own goroutine so a slow or unreachable sink never stalls the control
// loop.
func (s *Supervisor) emitHistory(e history.Event) {
	if s.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.Send(ctx, e); err != nil {
			s.log.Warn("history sink send failed", "job", e.JobName, "error", err)
		}
	}()
}

func (s *Supervisor) loop(ctx context.Context) int {
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()

	lastSnapshotWrite := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ExitClean)
		case <-pollTicker.C:
			s.reap()
			s.applyRestartPolicy()

			if s.externalStopRequested() {
				s.stopRequestedObserved = true
			}

			if time.Since(lastSnapshotWrite) >= s.cfg.WriteStateInterval {
				if err := s.writeSnapshot(); err != nil {
					s.log.Warn("snapshot write failed, will retry", "error", err)
				} else {
					lastSnapshotWrite = time.Now()
				}
			}

			if s.stopRequestedObserved {
				s.log.Info("external stop request observed")
				return s.shutdown(ExitClean)
			}

			if code, halt := s.checkHaltConditions(); halt {
				return s.shutdown(code)
			}
		}
	}
}

func (s *Supervisor) reap() {
	for _, name := range s.order {
		e := s.entries[name]
		if e.handle == nil {
			continue
		}
		select {
		case <-e.handle.Done():
			rec := e.handle.Wait()
			e.handle = nil
			e.runtime.PID = 0
			e.runtime.LastExitCode = rec.ExitCode
			e.runtime.LastExitedAt = rec.ExitedAt.UTC()
			e.runtime.LastLogOffset = rec.PeakLogOffset
			if rec.ExitCode == 0 {
				e.runtime.Phase = jobtable.PhaseExitedOK
				e.runtime.ConsecutiveFailures = 0
			} else {
				e.runtime.Phase = jobtable.PhaseExitedFail
				e.runtime.ConsecutiveFailures++
			}
			metrics.IncStop(e.spec.Name)
			metrics.SetConsecutiveFailures(e.spec.Name, e.runtime.ConsecutiveFailures)
			s.log.Info("job exited", "job", e.spec.Name, "exit_code", rec.ExitCode, "phase", e.runtime.Phase)
			s.emitHistory(history.Event{
				Type:       history.EventStop,
				OccurredAt: e.runtime.LastExitedAt,
				JobName:    e.spec.Name,
				PID:        e.runtime.PID,
				Phase:      e.runtime.Phase,
				ExitCode:   rec.ExitCode,
				Uniq:       fmt.Sprintf("%s-%s-%d", s.bootNonce, e.spec.Name, e.runtime.RestartCount),
			})
		default:
		}
	}
}

func (s *Supervisor) applyRestartPolicy() {
	for _, name := range s.order {
		e := s.entries[name]
		if !e.spec.Enabled {
			continue
		}
		switch e.runtime.Phase {
		case jobtable.PhaseExitedOK, jobtable.PhaseExitedFail, jobtable.PhaseCoolingDown:
			d := restart.NextPhase(e.runtime, e.spec, e.runtime.LastExitCode, s.cfg.NoRestart)
			e.runtime.Phase = d.NextPhase
			if d.NextPhase == jobtable.PhaseCoolingDown {
				e.runtime.NextEligibleRestart = d.NextEligibleRestart
			}
			if d.NextPhase == jobtable.PhaseDisabledByPolicy {
				s.log.Warn("job disabled by policy", "job", e.spec.Name, "consecutive_failures", e.runtime.ConsecutiveFailures)
			}
			if d.Spawn {
				metrics.IncRestart(e.spec.Name)
				s.spawn(e)
			}
		}
	}
}

func (s *Supervisor) externalStopRequested() bool {
	snap, err := snapshot.Read(s.cfg.StateFilePath)
	if err != nil {
		return false
	}
	return snap.StopRequested
}

func (s *Supervisor) checkHaltConditions() (int, bool) {
	if s.cfg.HaltOnJobFailure {
		for _, name := range s.order {
			e := s.entries[name]
			if e.spec.Enabled && e.runtime.Phase == jobtable.PhaseDisabledByPolicy {
				for _, n2 := range s.order {
					s.entries[n2].runtime.Phase = jobtable.PhaseHalted
				}
				s.log.Error("halt-on-job-failure triggered", "job", e.spec.Name)
				return ExitHaltOnJobFailure, true
			}
		}
	}

	if s.cfg.HaltWhenAllStopped {
		allSettled := true
		for _, name := range s.order {
			e := s.entries[name]
			if !e.spec.Enabled {
				continue
			}
			settled := e.runtime.Phase.Terminal() &&
				(e.spec.Restart == jobtable.RestartNever || e.runtime.Phase == jobtable.PhaseDisabledByPolicy)
			if !settled {
				allSettled = false
				break
			}
		}
		if allSettled {
			s.log.Info("halt-when-all-stopped triggered")
			return ExitHaltWhenAllStopped, true
		}
	}

	if s.cfg.RunSeconds > 0 && time.Since(s.startedAt) >= time.Duration(s.cfg.RunSeconds)*time.Second {
		s.log.Info("run-seconds cap elapsed")
		return ExitClean, true
	}

	return ExitClean, false
}

const shutdownGrace = 15 * time.Second

func (s *Supervisor) shutdown(code int) int {
	s.stopping = true
	for _, name := range s.order {
		e := s.entries[name]
		if e.handle != nil {
			e.runtime.Phase = jobtable.PhaseStopping
			_ = e.handle.RequestStop()
		}
	}

	deadline := time.After(shutdownGrace)
	pending := s.runningHandles()
waitLoop:
	for len(pending) > 0 {
		select {
		case <-deadline:
			break waitLoop
		case <-time.After(100 * time.Millisecond):
			pending = s.runningHandles()
		}
	}

	for _, name := range s.order {
		e := s.entries[name]
		if e.handle == nil {
			continue
		}
		rec, ok := s.tryDone(e.handle)
		if !ok {
			_ = e.handle.Kill()
			rec = e.handle.Wait()
		}
		e.runtime.PID = 0
		e.runtime.LastExitCode = rec.ExitCode
		e.runtime.LastExitedAt = time.Now().UTC()
		if rec.ExitCode == 0 {
			e.runtime.Phase = jobtable.PhaseExitedOK
		} else {
			e.runtime.Phase = jobtable.PhaseExitedFail
		}
		e.handle = nil
	}

	if err := s.writeSnapshot(); err != nil {
		s.log.Warn("final snapshot write failed", "error", err)
	}

	s.log.Info("supervisor exiting", "exit_code", code)
	return code
}

func (s *Supervisor) tryDone(h *worker.Handle) (worker.ExitRecord, bool) {
	select {
	case <-h.Done():
		return h.Wait(), true
	default:
		return worker.ExitRecord{}, false
	}
}

func (s *Supervisor) runningHandles() []*worker.Handle {
	var out []*worker.Handle
	for _, name := range s.order {
		e := s.entries[name]
		if e.handle == nil {
			continue
		}
		select {
		case <-e.handle.Done():
		default:
			out = append(out, e.handle)
		}
	}
	return out
}

func (s *Supervisor) writeSnapshot() error {
	snap := &snapshot.Snapshot{
		SchemaVersion: snapshot.SchemaVersion,
		SupervisorPID: os.Getpid(),
		BootNonce:     s.bootNonce,
		StartedAt:     s.startedAt,
		ConfigPath:    s.cfg.ConfigPath,
		StopRequested: s.stopRequestedObserved,
	}
	for _, name := range s.order {
		e := s.entries[name]
		snap.Jobs = append(snap.Jobs, snapshot.Job{
			Name:                e.spec.Name,
			Enabled:             e.spec.Enabled,
			Phase:               e.runtime.Phase,
			PID:                 e.runtime.PID,
			LastExitCode:        e.runtime.LastExitCode,
			LastStartedAt:       e.runtime.LastStartedAt,
			LastExitedAt:        e.runtime.LastExitedAt,
			ConsecutiveFailures: e.runtime.ConsecutiveFailures,
			RestartCount:        e.runtime.RestartCount,
		})
	}
	snap.Aggregate()
	if err := snapshot.Write(s.cfg.StateFilePath, snap); err != nil {
		return fmt.Errorf("supervisor: write snapshot: %w", err)
	}
	return nil
}
