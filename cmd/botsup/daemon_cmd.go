package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocelotmarkets/botsup/internal/daemon"
	"github.com/ocelotmarkets/botsup/internal/jobtable"
	"github.com/ocelotmarkets/botsup/internal/logger"
)

// parseRunAt parses an "HH:MM" local-time string into hour/minute.
func parseRunAt(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("run-at must be HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("run-at hour must be 0-23, got %q", parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("run-at minute must be 0-59, got %q", parts[1])
	}
	return hour, minute, nil
}

func newDaemonCmd() *cobra.Command {
	var (
		stateFile              string
		logFile                string
		program                string
		args                   []string
		runAt                  string
		pollSec                float64
		retryDelaySec          float64
		maxConsecutiveFailures int
		maxRunSeconds          int
		runOnStart             bool
		skipRefresh            bool
		historyDSN             string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Drive one job on a daily HH:MM local-time schedule",
		RunE: func(cmd *cobra.Command, args2 []string) error {
			hour, minute, err := parseRunAt(runAt)
			if err != nil {
				return exitError(2, "daemon: %v", err)
			}
			if program == "" {
				return exitError(2, "daemon: --program is required")
			}

			job := jobtable.JobSpec{
				Name:    "daemon-job",
				Enabled: true,
				Program: program,
				Args:    args,
			}
			if skipRefresh {
				job.Env = map[string]string{"BOTSUP_SKIP_REFRESH": "true"}
			}

			log := logger.NewAppLogger(logFile)

			d, err := daemon.New(daemon.Config{
				StateFilePath:          stateFile,
				RunAtHour:              hour,
				RunAtMinute:            minute,
				PollInterval:           time.Duration(pollSec * float64(time.Second)),
				RetryDelay:             time.Duration(retryDelaySec * float64(time.Second)),
				MaxConsecutiveFailures: maxConsecutiveFailures,
				MaxRunSeconds:          maxRunSeconds,
				RunOnStart:             runOnStart,
				HistoryDSN:             historyDSN,
			}, job, log)
			if err != nil {
				return exitError(2, "daemon: %v", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			code := d.Run(ctx)
			if code != daemon.ExitClean {
				return exitError(code, "daemon exited with code %d", code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFile, "state-file", "", "path to the state snapshot file")
	cmd.Flags().StringVar(&logFile, "log-file", "", "daemon's own log file (default stderr)")
	cmd.Flags().StringVar(&program, "program", "", "program to run at each fire")
	cmd.Flags().StringSliceVar(&args, "args", nil, "arguments passed to --program")
	cmd.Flags().StringVar(&runAt, "run-at", "09:00", "local time of day to fire, HH:MM")
	cmd.Flags().Float64Var(&pollSec, "poll-sec", 20, "wake-up granularity while waiting for the next fire, seconds")
	cmd.Flags().Float64Var(&retryDelaySec, "retry-delay-sec", 60, "pause duration after hitting max-consecutive-failures")
	cmd.Flags().IntVar(&maxConsecutiveFailures, "max-consecutive-failures", 0, "consecutive failures before pausing (0 = unbounded)")
	cmd.Flags().IntVar(&maxRunSeconds, "max-run-seconds", 0, "kill the fired job after this many seconds (0 = unbounded)")
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "fire immediately on startup instead of waiting for the next boundary")
	cmd.Flags().BoolVar(&skipRefresh, "skip-refresh", false, "pass a skip-refresh hint through to the job")
	cmd.Flags().StringVar(&historyDSN, "history-dsn", "", "optional DSN for mirroring job lifecycle events (sqlite://, postgres://, clickhouse://)")

	return cmd
}
