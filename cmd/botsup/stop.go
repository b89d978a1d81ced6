package main

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"

	"github.com/ocelotmarkets/botsup/internal/atomicfile"
	"github.com/ocelotmarkets/botsup/internal/snapshot"
)

const exitSupervisorNotLive = 3

func newStopCmd() *cobra.Command {
	var stateFile string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request a running supervisor/daemon to stop, via its state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.Read(stateFile)
			if err != nil {
				if errors.Is(err, atomicfile.ErrNotYetAvailable) {
					return exitError(exitSnapshotMissing, "stop: no state file at %s", stateFile)
				}
				return exitError(exitSnapshotMissing, "stop: %v", err)
			}

			live, err := process.PidExists(int32(snap.SupervisorPID))
			if err != nil || !live {
				return exitError(exitSupervisorNotLive, "stop: supervisor pid %d is not running", snap.SupervisorPID)
			}

			snap.StopRequested = true
			if err := snapshot.Write(stateFile, snap); err != nil {
				return exitError(1, "stop: write state file: %w", err)
			}

			fmt.Printf("stop requested for supervisor pid %d\n", snap.SupervisorPID)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFile, "state-file", "", "path to the state snapshot file")
	return cmd
}
