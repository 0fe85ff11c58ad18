package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/config"
	"github.com/lvonguyen/incidentforge/internal/correlation"
	"github.com/lvonguyen/incidentforge/internal/ingestion/kafka"
	"github.com/lvonguyen/incidentforge/internal/ingestion/natsbus"
	"github.com/lvonguyen/incidentforge/internal/ingestion/splunk"
	"github.com/lvonguyen/incidentforge/internal/observability"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

// app holds the components shared by serve and consume.
type app struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
	store     cache.Store
	filter    *correlation.Filter
	pipeline  *pipeline.Pipeline
	nats      *nats.Conn
	closers   []io.Closer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := observability.New(cfg.TelemetryConfig(Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()

	a := &app{cfg: cfg, telemetry: tel, logger: logger}

	logger.Info("Starting IncidentForge",
		zap.String("version", Version),
		zap.String("config", configPath),
		zap.Strings("transports", cfg.EnabledTransports()),
	)

	// An unreachable cache leaves the filter inert; events still flow.
	store, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Error("Cache unavailable, correlation disabled", zap.Error(err))
	} else {
		a.store = store
		a.closers = append(a.closers, store)
	}
	tel.SetHealth("cache", a.store != nil)

	a.filter, err = correlation.NewFilter(cfg.Correlation, a.store, logger,
		correlation.WithObserver(observability.NewDecisionObserver(tel.Metrics())),
		correlation.WithOperationTimeout(cfg.Cache.OperationTimeout),
		correlation.WithTracer(tel.Tracer()),
	)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to build correlation filter: %w", err)
	}

	sinks, err := a.sinks()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.pipeline = pipeline.New(a.filter, logger, sinks...)

	return a, nil
}

// sinks builds the downstream destinations for correlated events.
func (a *app) sinks() ([]pipeline.Sink, error) {
	var sinks []pipeline.Sink

	if a.cfg.Splunk.Sender.Enabled {
		sender, err := splunk.NewHECSender(a.cfg.Splunk.Sender, a.logger)
		if err != nil {
			return nil, fmt.Errorf("splunk sender: %w", err)
		}
		sinks = append(sinks, sender)
	}

	if a.cfg.Kafka.Enabled && a.cfg.Kafka.OutputTopic != "" {
		producer := kafka.NewProducer(a.cfg.Kafka)
		a.closers = append(a.closers, producer)
		sinks = append(sinks, producer)
	}

	if a.cfg.NATS.Enabled {
		nc, err := natsbus.Connect(a.cfg.NATS, a.logger)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.nats = nc
		if a.cfg.NATS.OutputSubject != "" {
			sinks = append(sinks, natsbus.NewSink(nc, a.cfg.NATS.OutputSubject))
		}
	}

	for _, s := range sinks {
		a.logger.Info("Sink enabled", zap.String("sink", s.Name()))
	}
	return sinks, nil
}

// consumer is a named blocking loop that runs until its context ends.
type consumer struct {
	name string
	run  func(ctx context.Context) error
}

// consumers builds the enabled bus consumers and registers their closers.
func (a *app) consumers() []consumer {
	var cs []consumer

	if a.cfg.Kafka.Enabled {
		kc := kafka.NewConsumer(a.cfg.Kafka, a.pipeline, a.logger)
		a.closers = append(a.closers, kc)
		cs = append(cs, consumer{name: "kafka consumer", run: kc.Run})
	}

	if a.nats != nil && a.cfg.NATS.InputSubject != "" {
		sub := natsbus.NewSubscriber(a.cfg.NATS, a.pipeline, a.logger)
		nc := a.nats
		cs = append(cs, consumer{name: "nats subscriber", run: func(ctx context.Context) error {
			return sub.Run(ctx, nc)
		}})
	}
	return cs
}

// startConsumers builds the consumers synchronously and runs them until ctx
// is cancelled.
func (a *app) startConsumers(ctx context.Context) <-chan error {
	return runConsumers(ctx, a.consumers())
}

// runConsumers runs every consumer in its own goroutine. The returned channel
// yields once, after all of them have returned.
func runConsumers(ctx context.Context, cs []consumer) <-chan error {
	done := make(chan error, 1)
	errCh := make(chan error, len(cs))
	for _, c := range cs {
		go func(c consumer) { errCh <- wrapErr(c.name, c.run(ctx)) }(c)
	}

	go func() {
		var errs []error
		for range cs {
			if err := <-errCh; err != nil {
				errs = append(errs, err)
			}
		}
		done <- errors.Join(errs...)
	}()
	return done
}

func (a *app) consumersEnabled() bool {
	return a.cfg.Kafka.Enabled || (a.cfg.NATS.Enabled && a.cfg.NATS.InputSubject != "")
}

// Close releases every component in reverse order of creation.
func (a *app) Close(ctx context.Context) {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.logger.Warn("NATS drain failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
}

func wrapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
