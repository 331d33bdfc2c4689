package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/daviddao/podium/pkg/api"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const maintenanceInterval = time.Minute

func (c *cli) serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve leaderboards over HTTP",
		Args:  cobra.NoArgs,
		RunE: c.run(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			addr := listen
			if addr == "" {
				addr = a.cfg.Listen
			}
			if a.cfg.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           api.New(a.svc, a.freezer, a.clock, a.logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go a.maintain(ctx)

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("listening", slog.String("addr", addr))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}),
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}

// maintain bounds the volatile cache and sweeps expired durable entries
// until ctx ends.
func (a *app) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := a.cache.PruneExpired(ctx)
			var pruned int
			if a.cfg.CacheMaxEntries > 0 {
				pruned = a.cache.PruneVolatile(a.cfg.CacheMaxEntries)
			}
			if expired+pruned > 0 {
				a.logger.Debug("cache maintenance", slog.Int("expired", expired), slog.Int("pruned", pruned))
			}
		}
	}
}
