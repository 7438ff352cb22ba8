package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	server "github.com/cmu-delphi/flusight-helper-snippets/internal/grpc"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		metricsAddr  string
		noMiddleware bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query engine over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), metricsAddr, noMiddleware)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for the Prometheus /metrics endpoint, empty to disable")
	cmd.Flags().BoolVar(&noMiddleware, "no-middleware", false, "serve without gRPC interceptors (debug only)")

	return cmd
}

func (a *app) serve(ctx context.Context, metricsAddr string, noMiddleware bool) error {
	logger := a.logger

	m, err := metrics.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	c, err := a.openContext(m)
	if err != nil {
		return err
	}
	defer c.Close()

	srv, hs := a.newServer(c, m, noMiddleware)

	addr := net.JoinHostPort(a.cfg.Server.Host, fmt.Sprint(a.cfg.Server.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 2)

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	go func() {
		if err := srv.Serve(lis); err != nil {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":     addr,
		"metrics":  metricsAddr,
		"cache":    a.cfg.Cache.Backend,
		"base_url": a.cfg.Client.BaseURL,
	}).Info("Starting gRPC server")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case err = <-errChan:
		logger.WithError(err).Error("Service error")
	}

	shutdown(srv, hs, metricsSrv, logger)
	return err
}

func (a *app) newServer(q server.Querier, m *metrics.Collector, noMiddleware bool) (*grpc.Server, *health.Server) {
	if noMiddleware {
		a.logger.Warn("Serving without middleware")
		return server.ConfigureGRPCServer(q, a.logger)
	}
	return server.SetupServer(q, server.ServerConfig{
		RateLimit:      a.cfg.Server.RateLimit,
		RateLimitBurst: a.cfg.Server.RateBurst,
	}, a.logger, m)
}

// shutdown flips health to NOT_SERVING, then drains in-flight requests.
func shutdown(srv *grpc.Server, hs *health.Server, metricsSrv *http.Server, logger *logrus.Logger) {
	hs.Shutdown()

	logger.Info("Gracefully stopping server...")
	srv.GracefulStop()

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}
	logger.Info("Server stopped")
}
