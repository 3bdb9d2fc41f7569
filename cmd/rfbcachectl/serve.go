package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/nickcrabtree/tigervnc-sub004/pkg/telemetry"
)

// serveCommand runs a standalone Prometheus /metrics endpoint over the
// meter set pkg/telemetry registers, for deployments that scrape the
// viewer cache out of process rather than embedding it in a larger
// server's own HTTP mux.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "run a standalone /metrics endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve Prometheus metrics on",
				Value: ":9469",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx)

			_, gatherer, shutdown, err := telemetry.Setup(ctx, "rfbcachectl", Version)
			if err != nil {
				return fmt.Errorf("rfbcachectl: setting up telemetry: %w", err)
			}
			defer shutdown(ctx)

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

			addr := cmd.String("metrics-addr")

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			logger.Info().Str("addr", addr).Msg("serving Prometheus metrics at /metrics")

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("rfbcachectl: serving metrics: %w", err)
			}

			return nil
		},
	}
}
