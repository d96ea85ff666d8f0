package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/settrack/settrack/internal/api"
	"github.com/settrack/settrack/internal/events"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the admin HTTP API",
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
			srv := api.NewServer(store, sched, events.NewHub(64), a.cfg.ShutdownTimeout, a.log)

			httpSrv := &http.Server{
				Addr:    a.cfg.APIListen,
				Handler: srv.Router(a.cfg.CORSOrigins),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			a.log.Info("admin api listening", zap.String("addr", a.cfg.APIListen))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
