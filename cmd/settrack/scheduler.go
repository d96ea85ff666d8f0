package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func schedulerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "run the scheduling control loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := a.queueStore()
			if err != nil {
				return fmt.Errorf("queue store: %w", err)
			}
			repo, err := a.catalogRepo()
			if err != nil {
				return fmt.Errorf("catalog repo: %w", err)
			}

			sched := a.buildScheduler(store, repo)
			if once {
				sum := sched.RunNow(ctx)
				return json.NewEncoder(os.Stdout).Encode(sum)
			}
			sched.Run(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and print the summary")
	return cmd
}
