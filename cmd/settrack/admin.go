package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/settrack/settrack/internal/queue"
)

func enqueueCmd() *cobra.Command {
	var priority int
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "enqueue <source> <target>",
		Short: "enqueue a single scrape job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.queueStore()
			if err != nil {
				return err
			}
			source, target := args[0], args[1]

			var opts []queue.EnqueueOption
			if priority > 0 {
				opts = append(opts, queue.WithPriority(priority))
			}
			if delay > 0 {
				opts = append(opts, queue.WithDelay(delay))
			}
			job, err := store.Enqueue(cmd.Context(), "scrape."+source, source, target, nil, opts...)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued job id=%s status=%s priority=%d\n", job.ID, job.Status, job.Priority)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, lower runs first")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes claimable")
	return cmd
}

func jobsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "list jobs and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.queueStore()
			if err != nil {
				return err
			}
			counts, err := store.CountsByStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pending=%d in_flight=%d completed=%d dead=%d\n",
				counts.Pending, counts.InFlight, counts.Completed, counts.Dead)

			jobs, err := store.List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Printf("%s  %-24s %-12s p=%-3d attempt=%d/%d target=%s\n",
					j.ID, j.Type, j.Status, j.Priority, j.Attempt, j.MaxAttempts, j.Target)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "all", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to list")
	return cmd
}

func resetCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "drain and clear the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.queueStore()
			if err != nil {
				return err
			}
			res, err := store.DrainAndClear(cmd.Context(), wait)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(res)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to await in-flight jobs")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.queueStore()
			if err != nil {
				return err
			}
			if err := store.AutoMigrate(); err != nil {
				return fmt.Errorf("queue schema: %w", err)
			}
			repo, err := a.catalogRepo()
			if err != nil {
				return err
			}
			if err := repo.AutoMigrate(); err != nil {
				return fmt.Errorf("catalog schema: %w", err)
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}
