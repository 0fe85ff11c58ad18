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

	"github.com/lvonguyen/incidentforge/internal/api"
	"github.com/lvonguyen/incidentforge/internal/api/gateway"
	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/ingestion/splunk"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, HEC receiver and enabled bus consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	a.telemetry.StartSystemMetricsCollector(ctx)

	opts := api.Options{
		Pipeline:       a.pipeline,
		Store:          a.store,
		Logger:         a.logger,
		Version:        Version,
		MaxBatchSize:   a.cfg.Server.MaxBatchSize,
		RequestTimeout: a.cfg.Server.WriteTimeout,
		Metrics:        a.telemetry.MetricsHandler(),
	}
	if m := a.telemetry.Metrics(); m != nil {
		opts.Middlewares = append(opts.Middlewares, m.HTTPMiddleware)
	}
	if limiter := a.rateLimiter(); limiter != nil {
		opts.IngestLimit = limiter.Middleware(nil, nil)
	}

	errCh := make(chan error, 3)

	// The HEC receiver shares the API listener unless it has its own port.
	if rc := a.cfg.Splunk.Receiver; rc.Enabled {
		receiver := splunk.NewHECReceiver(rc, splunk.PipelineHandler(a.pipeline), a.logger)
		if rc.Port == 0 || rc.Port == a.cfg.Server.Port {
			opts.HEC = receiver
		} else {
			go func() { errCh <- wrapErr("HEC receiver", receiver.Start(ctx)) }()
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      api.NewRouter(opts),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  2 * a.cfg.Server.ReadTimeout,
	}

	go func() {
		a.logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	var consumersDone <-chan error
	if a.consumersEnabled() {
		consumersDone = a.startConsumers(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			a.logger.Error("Component failed, shutting down", zap.Error(runErr))
		}
	case runErr = <-consumersDone:
		consumersDone = nil
		if runErr != nil {
			a.logger.Error("Consumers failed, shutting down", zap.Error(runErr))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server shutdown failed", zap.Error(err))
	}

	// Consumers finish their in-flight messages before the store and sinks close.
	if consumersDone != nil {
		select {
		case err := <-consumersDone:
			if err != nil && runErr == nil {
				runErr = err
			}
		case <-shutdownCtx.Done():
			a.logger.Warn("Consumers did not stop before the shutdown timeout")
		}
	}
	a.Close(shutdownCtx)

	a.logger.Info("Server stopped")
	return runErr
}

// rateLimiter returns the ingest limiter when enabled. It needs the Redis
// cache backend; other backends leave ingestion unlimited.
func (a *app) rateLimiter() *gateway.RateLimiter {
	if !a.cfg.RateLimit.Enabled {
		return nil
	}
	rs, ok := a.store.(*cache.RedisStore)
	if !ok {
		a.logger.Warn("Rate limiting requires the redis cache backend, ingestion is unlimited",
			zap.String("backend", a.cfg.Cache.Backend),
		)
		return nil
	}
	return gateway.NewRateLimiter(rs.Client(), a.cfg.RateLimit, a.logger)
}
