package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errNoConsumers = errors.New("no consumer enabled: enable kafka or set nats.input_subject")

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Correlate events from Kafka and NATS without the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsume(cmd.Context())
		},
	}
}

func runConsume(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if !a.consumersEnabled() {
		return errNoConsumers
	}

	a.telemetry.StartSystemMetricsCollector(ctx)

	err = <-a.startConsumers(ctx)
	a.logger.Info("Consumers stopped", zap.Error(err))
	return err
}
