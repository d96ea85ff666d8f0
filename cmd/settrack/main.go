// Command settrack is the single binary for the price tracker's scheduling
// subsystem: worker pool, scheduler, admin API, and queue administration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "settrack",
		Short:        "collectible-set price tracking jobs",
		SilenceUsage: true,
	}
	root.AddCommand(
		workerCmd(),
		schedulerCmd(),
		serveCmd(),
		runCmd(),
		enqueueCmd(),
		jobsCmd(),
		resetCmd(),
		migrateCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
