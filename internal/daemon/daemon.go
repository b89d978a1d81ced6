// Package daemon drives one job on a "daily at HH:MM" local-time
// schedule without relying on OS schedulers, reusing the Worker, the
// Instance Lock, and the Atomic File Store.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/ocelotmarkets/botsup/internal/env"
	"github.com/ocelotmarkets/botsup/internal/history"
	"github.com/ocelotmarkets/botsup/internal/history/factory"
	"github.com/ocelotmarkets/botsup/internal/instancelock"
	"github.com/ocelotmarkets/botsup/internal/jobtable"
	"github.com/ocelotmarkets/botsup/internal/metrics"
	"github.com/ocelotmarkets/botsup/internal/snapshot"
	"github.com/ocelotmarkets/botsup/internal/worker"
)

// Exit codes, extending supervisor's taxonomy with code 7.
const (
	ExitClean            = 0
	ExitLockBusy         = 3
	ExitInternalError    = 6
	ExitRetriesExhausted = 7
)

// retriesExhaustedMultiplier bounds how many pause cycles the daemon
// will absorb before giving up entirely and exiting 7.
const retriesExhaustedMultiplier = 5

// Config holds the daemon subcommand's flags.
type Config struct {
	StateFilePath          string
	RunAtHour              int
	RunAtMinute            int
	PollInterval           time.Duration
	RetryDelay             time.Duration
	MaxConsecutiveFailures int // 0 means unbounded retries
	MaxRunSeconds          int // 0 means unbounded
	RunOnStart             bool
	// HistoryDSN, when non-empty, is parsed by internal/history/factory
	// into a durable sink that each fire's start/stop events mirror to.
	HistoryDSN string
}

// Daemon fires one Worker execution per calendar boundary.
type Daemon struct {
	cfg      Config
	job      jobtable.JobSpec
	log      *slog.Logger
	schedule cron.Schedule
	env      *env.Env
	history  history.Sink
}

func New(cfg Config, job jobtable.JobSpec, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	expr := fmt.Sprintf("%d %d * * *", cfg.RunAtMinute, cfg.RunAtHour)
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("daemon: invalid run-at %02d:%02d: %w", cfg.RunAtHour, cfg.RunAtMinute, err)
	}
	return &Daemon{cfg: cfg, job: job, log: log, schedule: sched, env: env.New()}, nil
}

func lockPathFor(statePath string) string {
	return statePath + ".lock"
}

// Run acquires the Instance Lock, then fires the job once per calendar
// boundary until ctx is cancelled or an external stop request is
// observed through the state file. A panic anywhere in the loop is
// recovered and reported as ExitInternalError.
func (d *Daemon) Run(ctx context.Context) (code int) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("daemon recovered from panic", "panic", r)
			code = ExitInternalError
		}
	}()
	return d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) int {
	lock, err := instancelock.Acquire(lockPathFor(d.cfg.StateFilePath), "daemon")
	if err != nil {
		d.log.Error("instance lock busy", "error", err)
		return ExitLockBusy
	}
	defer func() { _ = lock.Release() }()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		d.log.Warn("metrics registration failed, continuing without them", "error", err)
	}

	if d.cfg.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(d.cfg.HistoryDSN)
		if err != nil {
			d.log.Warn("history sink unavailable, continuing without it", "error", err)
		} else {
			d.history = sink
			defer func() { _ = d.history.Close() }()
		}
	}

	bootNonce := snapshot.NewBootNonce()
	startedAt := time.Now().UTC()
	state := jobtable.NewRuntimeState(d.job.Name)
	state.Phase = jobtable.PhasePending

	nextFire := d.schedule.Next(time.Now())
	metrics.SetDaemonNextFire(d.job.Name, nextFire.Unix())
	d.writeSnapshot(bootNonce, startedAt, state, &nextFire)

	// lastFiredDate is the local calendar date (YYYY-MM-DD) already
	// fired for. When nextFire is reached on that same date (the clock
	// was set back before nextFire was recomputed, or a run-on-start fire
	// already ran earlier that day), the boundary is skipped instead of
	// firing a second time for the date.
	lastFiredDate := ""

	if d.cfg.RunOnStart {
		d.fire(state)
		lastFiredDate = fireDate(time.Now())
		nextFire = d.schedule.Next(time.Now())
		metrics.SetDaemonNextFire(d.job.Name, nextFire.Unix())
		d.writeSnapshot(bootNonce, startedAt, state, &nextFire)
	}

	failCount := 0
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExitClean
		case <-ticker.C:
			if d.externalStopRequested() {
				d.log.Info("external stop request observed")
				return ExitClean
			}
			now := time.Now()
			if now.Before(nextFire) {
				continue
			}
			today := fireDate(now)
			if today == lastFiredDate {
				// Already fired for this calendar date. Recompute and
				// wait for the next boundary instead of re-firing.
				nextFire = d.schedule.Next(now)
				metrics.SetDaemonNextFire(d.job.Name, nextFire.Unix())
				continue
			}

			d.fire(state)
			lastFiredDate = today
			if state.LastExitCode == 0 {
				failCount = 0
			} else {
				failCount++
				if d.cfg.MaxConsecutiveFailures > 0 && failCount >= d.cfg.MaxConsecutiveFailures {
					if failCount >= d.cfg.MaxConsecutiveFailures*retriesExhaustedMultiplier {
						d.log.Error("daemon retries exhausted", "failures", failCount)
						return ExitRetriesExhausted
					}
					d.log.Warn("daemon pausing after consecutive failures", "failures", failCount)
					time.Sleep(d.cfg.RetryDelay)
				}
			}

			nextFire = d.schedule.Next(time.Now())
			metrics.SetDaemonNextFire(d.job.Name, nextFire.Unix())
			d.writeSnapshot(bootNonce, startedAt, state, &nextFire)
		}
	}
}

// fireDate returns t's local calendar date as a sortable, comparable key.
func fireDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// fire spawns one Worker for the configured job, waits for it to exit or
// for MaxRunSeconds to elapse (killing it on timeout), and records the
// outcome into state.
func (d *Daemon) fire(state *jobtable.RuntimeState) {
	state.Phase = jobtable.PhaseStarting
	h, err := worker.Start(d.job, d.env)
	if err != nil {
		d.log.Error("daemon worker spawn failed", "job", d.job.Name, "error", err)
		state.Phase = jobtable.PhaseExitedFail
		state.LastExitCode = -1
		state.LastExitedAt = time.Now().UTC()
		state.RestartCount++
		return
	}
	state.PID = h.PID
	state.Phase = jobtable.PhaseRunning
	state.LastStartedAt = time.Now().UTC()
	state.RestartCount++
	metrics.IncStart(d.job.Name)
	uniq := fmt.Sprintf("%s-%d", d.job.Name, state.RestartCount)
	d.emitHistory(history.Event{
		Type:       history.EventStart,
		OccurredAt: state.LastStartedAt,
		JobName:    d.job.Name,
		PID:        h.PID,
		Phase:      jobtable.PhaseRunning,
		Uniq:       uniq,
	})

	var timeout <-chan time.Time
	if d.cfg.MaxRunSeconds > 0 {
		timer := time.NewTimer(time.Duration(d.cfg.MaxRunSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	var rec worker.ExitRecord
	select {
	case <-h.Done():
		rec = h.Wait()
	case <-timeout:
		_ = h.Kill()
		rec = h.Wait()
	}

	state.PID = 0
	state.LastExitCode = rec.ExitCode
	state.LastExitedAt = rec.ExitedAt.UTC()
	state.LastLogOffset = rec.PeakLogOffset
	if rec.ExitCode == 0 {
		state.Phase = jobtable.PhaseExitedOK
		state.ConsecutiveFailures = 0
	} else {
		state.Phase = jobtable.PhaseExitedFail
		state.ConsecutiveFailures++
	}
	metrics.IncStop(d.job.Name)
	d.log.Info("daemon fire completed", "job", d.job.Name, "exit_code", rec.ExitCode)
	d.emitHistory(history.Event{
		Type:       history.EventStop,
		OccurredAt: state.LastExitedAt,
		JobName:    d.job.Name,
		Phase:      state.Phase,
		ExitCode:   rec.ExitCode,
		Uniq:       uniq,
	})
}

// emitHistory sends e to the configured history sink, if any, from its
// own goroutine so a slow or unreachable sink never stalls the fire loop.
func (d *Daemon) emitHistory(e history.Event) {
	if d.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.history.Send(ctx, e); err != nil {
			d.log.Warn("history sink send failed", "job", e.JobName, "error", err)
		}
	}()
}

func (d *Daemon) externalStopRequested() bool {
	snap, err := snapshot.Read(d.cfg.StateFilePath)
	if err != nil {
		return false
	}
	return snap.StopRequested
}

func (d *Daemon) writeSnapshot(bootNonce string, startedAt time.Time, state *jobtable.RuntimeState, nextFire *time.Time) {
	snap := &snapshot.Snapshot{
		SchemaVersion: snapshot.SchemaVersion,
		SupervisorPID: os.Getpid(),
		BootNonce:     bootNonce,
		StartedAt:     startedAt,
		Jobs: []snapshot.Job{{
			Name:                d.job.Name,
			Enabled:             true,
			Phase:               state.Phase,
			PID:                 state.PID,
			LastExitCode:        state.LastExitCode,
			LastStartedAt:       state.LastStartedAt,
			LastExitedAt:        state.LastExitedAt,
			ConsecutiveFailures: state.ConsecutiveFailures,
			RestartCount:        state.RestartCount,
		}},
		NextFireAt: nextFire,
	}
	snap.Aggregate()
	if err := snapshot.Write(d.cfg.StateFilePath, snap); err != nil {
		d.log.Warn("daemon snapshot write failed", "error", err)
	}
}
