package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/api"
)

// newServeCmd builds the long-running service: the HTTP control
// surface plus the watchdog, with runs started over the API.
func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			wdCtx, stopWatchdog := context.WithCancel(context.Background())
			defer stopWatchdog()
			go a.Watchdog.Run(wdCtx)

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.Cfg.Server.Port),
				Handler:           api.NewServer(a.Manager, a.Store, a.Cfg, a.Logger.Named("api")).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.Logger.Info("control surface listening", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
					return
				}
				errCh <- nil
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.Logger.Info("shutting down")
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.Manager.Shutdown(drainCtx); err != nil {
				a.Logger.Warn("run drain incomplete", zap.Error(err))
			}
			if err := server.Shutdown(drainCtx); err != nil {
				a.Logger.Warn("http shutdown incomplete", zap.Error(err))
			}
			return <-errCh
		},
	}
}
