// Package natsbus consumes security events from a NATS subject, correlates
// them and publishes the tagged events to an output subject.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/event"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

// Configuration errors.
var (
	ErrNoURL          = errors.New("url is required")
	ErrNoInputSubject = errors.New("input_subject is required")
)

// Config holds NATS settings.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	InputSubject  string        `yaml:"input_subject"`
	OutputSubject string        `yaml:"output_subject"`
	QueueGroup    string        `yaml:"queue_group"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "incidentforge",
		QueueGroup:    "incidentforge",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		HandleTimeout: 20 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, ErrNoURL)
	}
	if c.InputSubject == "" {
		errs = append(errs, ErrNoInputSubject)
	}
	return errors.Join(errs...)
}

// Connect dials NATS with reconnect handling logged through logger.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// Publisher is the subset of *nats.Conn used to publish.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink publishes correlated events, one message per event. It implements
// pipeline.Sink.
type Sink struct {
	conn    Publisher
	subject string
}

// NewSink creates a sink publishing to subject.
func NewSink(conn Publisher, subject string) *Sink {
	return &Sink{conn: conn, subject: subject}
}

// Name implements pipeline.Sink.
func (s *Sink) Name() string { return "nats" }

// Send publishes events. The incident uuid, when present, is appended to
// the subject so subscribers can filter per incident.
func (s *Sink) Send(_ context.Context, events []event.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		subject := s.subject
		if id := event.String(ev, event.FieldIncidentUUID); id != "" {
			subject += "." + id
		}
		if err := s.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscriber runs messages from the input subject through a pipeline.
// Members of the same queue group share the load.
type Subscriber struct {
	config   Config
	pipeline *pipeline.Pipeline
	logger   *zap.Logger

	received atomic.Int64
	skipped  atomic.Int64
}

// NewSubscriber creates a subscriber.
func NewSubscriber(cfg Config, p *pipeline.Pipeline, logger *zap.Logger) *Subscriber {
	return &Subscriber{config: cfg, pipeline: p, logger: logger}
}

// Run subscribes on nc and blocks until ctx is cancelled, then drains the
// subscription.
func (s *Subscriber) Run(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(s.config.InputSubject, s.config.QueueGroup, func(msg *nats.Msg) {
		s.Handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.logger.Info("NATS subscriber started",
		zap.String("subject", s.config.InputSubject),
		zap.String("queue", s.config.QueueGroup),
	)

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		s.logger.Error("Failed to drain subscription", zap.Error(err))
	} else {
		s.awaitDrained(sub)
	}
	s.logger.Info("NATS subscriber stopped",
		zap.Int64("messages_received", s.received.Load()),
		zap.Int64("messages_skipped", s.skipped.Load()),
	)
	return nil
}

// awaitDrained blocks until the pending messages of a draining subscription
// have been handled, bounded by the handle timeout.
func (s *Subscriber) awaitDrained(sub *nats.Subscription) {
	timeout := s.config.HandleTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for sub.IsValid() {
		if time.Now().After(deadline) {
			s.logger.Warn("Subscription drain timed out")
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Handle processes one message. Processing runs under its own timeout and
// is not cut short when ctx is cancelled, so messages delivered while the
// subscription drains are still correlated and forwarded.
func (s *Subscriber) Handle(ctx context.Context, msg *nats.Msg) {
	s.received.Add(1)

	timeout := s.config.HandleTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	_, skipped, err := s.pipeline.ProcessRaw(ctx, [][]byte{msg.Data})
	if skipped > 0 {
		s.skipped.Add(int64(skipped))
		s.logger.Warn("Skipped undecodable NATS message", zap.String("subject", msg.Subject))
	}
	if err != nil {
		s.logger.Error("Failed to forward NATS message", zap.Error(err))
	}
}

// Stats returns received and skipped message counts.
func (s *Subscriber) Stats() (received, skipped int64) {
	return s.received.Load(), s.skipped.Load()
}
