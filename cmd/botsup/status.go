package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocelotmarkets/botsup/internal/atomicfile"
	"github.com/ocelotmarkets/botsup/internal/snapshot"
)

const exitSnapshotMissing = 2

func newStatusCmd() *cobra.Command {
	var stateFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current supervisor/daemon status from its state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.Read(stateFile)
			if err != nil {
				if errors.Is(err, atomicfile.ErrNotYetAvailable) {
					return exitError(exitSnapshotMissing, "status: no state file at %s", stateFile)
				}
				return exitError(exitSnapshotMissing, "status: %v", err)
			}

			w := newTabWriter()
			fmt.Fprintln(w, "NAME\tPHASE\tPID\tEXIT\tRESTARTS\tFAILURES")
			for _, j := range snap.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					j.Name, j.Phase, j.PID, j.LastExitCode, j.RestartCount, j.ConsecutiveFailures)
			}
			_ = w.Flush()

			printJSON(snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFile, "state-file", "", "path to the state snapshot file")
	return cmd
}
