// Package pipeline runs received events through incident correlation and
// hands the tagged events to the configured sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/correlation"
	"github.com/lvonguyen/incidentforge/internal/event"
)

// Sink receives events after correlation.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Send delivers a batch of correlated events.
	Send(ctx context.Context, events []event.Event) error
}

// Correlator tags one event with its incident uuid.
type Correlator interface {
	Apply(ctx context.Context, ev event.Accessor) correlation.Decision
}

// Result pairs a processed event with its correlation decision.
type Result struct {
	Event    event.Event          `json:"event"`
	Decision correlation.Decision `json:"decision"`
}

// Pipeline correlates events and forwards them. It is safe for concurrent
// use as long as its sinks are.
type Pipeline struct {
	correlator Correlator
	sinks      []Sink
	logger     *zap.Logger
}

// New creates a pipeline. Sinks may be empty.
func New(correlator Correlator, logger *zap.Logger, sinks ...Sink) *Pipeline {
	return &Pipeline{
		correlator: correlator,
		sinks:      sinks,
		logger:     logger,
	}
}

// Process correlates events in order and then forwards the whole batch to
// every sink. Correlation itself never fails; the returned error only
// reports sink failures, joined across sinks.
func (p *Pipeline) Process(ctx context.Context, events []event.Event) ([]Result, error) {
	results := make([]Result, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		d := p.correlator.Apply(ctx, ev)
		results = append(results, Result{Event: ev, Decision: d})
	}

	if len(events) == 0 {
		return results, nil
	}

	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Send(ctx, events); err != nil {
			p.logger.Error("Failed to forward events",
				zap.String("sink", sink.Name()),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return results, errors.Join(errs...)
}

// ProcessRaw decodes JSON object payloads and processes them. Payloads that
// are not JSON objects are skipped and counted.
func (p *Pipeline) ProcessRaw(ctx context.Context, payloads [][]byte) ([]Result, int, error) {
	events := make([]event.Event, 0, len(payloads))
	skipped := 0
	for _, data := range payloads {
		ev, err := event.Decode(data)
		if err != nil {
			p.logger.Warn("Dropping undecodable event", zap.Error(err))
			skipped++
			continue
		}
		events = append(events, ev)
	}
	results, err := p.Process(ctx, events)
	return results, skipped, err
}
