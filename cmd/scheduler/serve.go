package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/healthhub-scheduler/internal/api"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, event dispatcher and expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(rootCtx)
			if err != nil {
				return err
			}
			defer a.close()
			return runServe(rootCtx, a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr: ":" + a.cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Engine:    a.engine,
			Providers: a.providers,
			PgPool:    a.pool,
			Redis:     a.redis,
			Logger:    a.log,
			Env:       a.cfg.Env,
			Version:   version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The dispatcher outlives the server so events from in-flight requests
	// are still delivered during shutdown.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- a.dispatcher.Run(dispatchCtx) }()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Str("env", a.cfg.Env).Str("backend", a.cfg.StoreBackend).Msg("api-server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down api-server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.SweepInProcess {
		g.Go(func() error {
			return a.engine.RunMaintenance(gctx, a.cfg.WorkerInterval, a.locker)
		})
	}

	err := g.Wait()
	stopDispatch()
	if derr := <-dispatchDone; err == nil {
		err = derr
	}
	return err
}
