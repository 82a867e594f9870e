package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/geoflux/coremachine/internal/platform/envutil"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the job controller, task worker pool, and janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			runController := envutil.Bool("RUN_CONTROLLER", true)
			runWorker := envutil.Bool("RUN_WORKER", true)
			runJanitor := envutil.Bool("RUN_JANITOR", true)

			g, gctx := errgroup.WithContext(ctx)

			if runController {
				g.Go(func() error { return a.Controller.Start(gctx) })
			}
			if runWorker {
				g.Go(func() error { return a.Worker.Start(gctx, a.Config.WorkerConcurrency) })
			}
			if runJanitor {
				g.Go(func() error { return a.Janitor.Start(gctx) })
			}

			srv := &http.Server{Addr: a.Config.MetricsAddr, Handler: a.Metrics.Handler()}
			g.Go(func() error {
				a.Log.Info("metrics listening", "addr", a.Config.MetricsAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				return srv.Shutdown(context.Background())
			})

			if err := g.Wait(); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}
