package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hackgods/healthhub-scheduler/internal/config"
)

func expiryWorkerCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "expiry-worker",
		Short: "Expire pending appointments whose payment window has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(rootCtx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.StoreBackend != config.BackendPostgres {
				return errors.New("expiry-worker needs STORE_BACKEND=postgres; the memory backend sweeps inside serve")
			}
			return runWorker(rootCtx, a, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func runWorker(ctx context.Context, a *app, once bool) error {
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- a.dispatcher.Run(dispatchCtx) }()
	defer func() {
		stopDispatch()
		<-dispatchDone
	}()

	a.log.Info().Str("env", a.cfg.Env).Dur("interval", a.cfg.WorkerInterval).Msg("expiry-worker starting up")
	if once {
		a.engine.SweepOnce(ctx, a.locker)
		return nil
	}
	return a.engine.RunMaintenance(ctx, a.cfg.WorkerInterval, a.locker)
}
