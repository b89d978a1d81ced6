package main

import (
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocelotmarkets/botsup/internal/config"
	"github.com/ocelotmarkets/botsup/internal/logger"
	"github.com/ocelotmarkets/botsup/internal/supervisor"
)

func envFloatDefault(key string, fallback float64) float64 {
	raw := envDefault(key, "")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	return fallback
}

func envIntDefault(key string, fallback int) int {
	raw := envDefault(key, "")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return fallback
}

func newRunCmd() *cobra.Command {
	var (
		configPath         string
		logFile            string
		stateFile          string
		pollSec            float64
		writeStateSec      float64
		runSeconds         int
		noRestart          bool
		haltOnJobFailure   bool
		haltWhenAllStopped bool
		historyDSN         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Bot Supervisor's control loop for the configured job table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return exitError(supervisor.ExitConfigError, "run: --config is required")
			}
			if stateFile == "" {
				return exitError(supervisor.ExitConfigError, "run: --state-file is required")
			}
			if err := config.ValidatePollInterval(pollSec); err != nil {
				return exitError(supervisor.ExitConfigError, "%v", err)
			}

			jobs, err := config.Load(configPath)
			if err != nil {
				return exitError(supervisor.ExitConfigError, "%v", err)
			}

			log := logger.NewAppLogger(logFile)

			sup := supervisor.New(supervisor.Config{
				ConfigPath:         configPath,
				StateFilePath:      stateFile,
				PollInterval:       time.Duration(pollSec * float64(time.Second)),
				WriteStateInterval: time.Duration(writeStateSec * float64(time.Second)),
				RunSeconds:         runSeconds,
				NoRestart:          noRestart,
				HaltOnJobFailure:   haltOnJobFailure,
				HaltWhenAllStopped: haltWhenAllStopped,
				HistoryDSN:         historyDSN,
			}, jobs, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			code := sup.Run(ctx)
			if code != supervisor.ExitClean {
				return exitError(code, "supervisor exited with code %d", code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", envDefault("BOTSUP_CONFIG", ""), "path to the job table config file")
	cmd.Flags().StringVar(&logFile, "log-file", "", "supervisor's own log file (default stderr)")
	cmd.Flags().StringVar(&stateFile, "state-file", "botsup-state.json", "path to the state snapshot file")
	cmd.Flags().Float64Var(&pollSec, "poll-sec", envFloatDefault("BOTSUP_POLL_SEC", 1), "control-loop poll interval, seconds")
	cmd.Flags().Float64Var(&writeStateSec, "write-state-sec", envFloatDefault("BOTSUP_WRITE_STATE_SEC", 1), "snapshot write interval, seconds")
	cmd.Flags().IntVar(&runSeconds, "run-seconds", envIntDefault("BOTSUP_RUN_SECONDS", 0), "exit cleanly after this many seconds (0 = unbounded)")
	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "never restart any job regardless of its restart policy")
	cmd.Flags().BoolVar(&haltOnJobFailure, "halt-on-job-failure", false, "halt the whole supervisor once any job is disabled by policy")
	cmd.Flags().BoolVar(&haltWhenAllStopped, "halt-when-all-stopped", false, "halt once every enabled job has settled into a terminal, non-restarting phase")
	cmd.Flags().StringVar(&historyDSN, "history-dsn", "", "optional DSN for mirroring job lifecycle events (sqlite://, postgres://, clickhouse://)")

	return cmd
}
