package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/metrics"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "run the worker pool",
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
			rdb, err := a.redisClient(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			stopMetrics := metrics.Every(time.Minute, func() {
				snap := metrics.Default.Snapshot()
				a.log.Info("worker metrics",
					zap.Uint64("claimed", snap.Claimed),
					zap.Uint64("completed", snap.Completed),
					zap.Uint64("failed", snap.Failed),
					zap.Uint64("rescheduled", snap.Rescheduled),
					zap.Uint64("lock_timeouts", snap.LockTimeouts),
					zap.Uint64("rate_limited", snap.RateLimited))
			})
			defer stopMetrics()

			a.buildPool(store, rdb, repo).Run(ctx)
			return nil
		},
	}
}
