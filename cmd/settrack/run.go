package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/api"
	"github.com/settrack/settrack/internal/events"
)

// runCmd starts everything in one process: worker pool, scheduler, and the
// admin API. Convenient for development and small deployments; the shared
// stores keep it correct alongside separately-scaled processes.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run worker pool, scheduler and admin API in one process",
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

			pool := a.buildPool(store, rdb, repo)
			sched := a.buildScheduler(store, repo)
			srv := api.NewServer(store, sched, events.NewHub(64), a.cfg.ShutdownTimeout, a.log)
			httpSrv := &http.Server{
				Addr:    a.cfg.APIListen,
				Handler: srv.Router(a.cfg.CORSOrigins),
			}

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				pool.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				sched.Run(ctx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			a.log.Info("admin api listening", zap.String("addr", a.cfg.APIListen))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				stop()
				wg.Wait()
				return err
			}
			wg.Wait()
			return nil
		},
	}
}
