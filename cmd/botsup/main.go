// Command botsup is the Bot Supervisor's CLI: run, status, stop, and
// the daemon driver, each wired as its own subcommand on a cobra root
// command.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "botsup",
		Short:         "Bot Supervisor: process orchestrator with restart policy and out-of-process control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newDaemonCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor extracts the process exit code carried by a *cliError, or
// falls back to 1 for cobra/flag-parsing errors that never reached a
// subcommand's own exit-code path.
func exitCodeFor(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}
