// Package kafka consumes security events from a Kafka topic, correlates
// them and writes the tagged events to an output topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/event"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

// Configuration errors.
var (
	ErrNoBrokers    = errors.New("at least one broker is required")
	ErrNoInputTopic = errors.New("input_topic is required")
	ErrNoGroupID    = errors.New("group_id is required")
)

// Config holds Kafka consumer and producer settings.
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	Brokers     []string      `yaml:"brokers"`
	InputTopic  string        `yaml:"input_topic"`
	OutputTopic string        `yaml:"output_topic"`
	GroupID     string        `yaml:"group_id"`
	MinBytes    int           `yaml:"min_bytes"`
	MaxBytes    int           `yaml:"max_bytes"`
	MaxWait     time.Duration `yaml:"max_wait"`
	BatchSize   int           `yaml:"batch_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:   []string{"localhost:9092"},
		GroupID:   "incidentforge",
		MinBytes:  1,
		MaxBytes:  10 << 20,
		MaxWait:   500 * time.Millisecond,
		BatchSize: 100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, ErrNoBrokers)
	}
	if c.InputTopic == "" {
		errs = append(errs, ErrNoInputTopic)
	}
	if c.GroupID == "" {
		errs = append(errs, ErrNoGroupID)
	}
	return errors.Join(errs...)
}

// Reader is the subset of *kafkago.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer is the subset of *kafkago.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Producer writes correlated events to the output topic. It implements
// pipeline.Sink.
type Producer struct {
	writer Writer
}

// NewProducer creates a producer for cfg.OutputTopic.
func NewProducer(cfg Config) *Producer {
	return NewProducerFromWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.OutputTopic,
		RequiredAcks: kafkago.RequireAll,
		Balancer:     &kafkago.LeastBytes{},
		BatchSize:    cfg.BatchSize,
	})
}

// NewProducerFromWriter wraps an existing writer.
func NewProducerFromWriter(w Writer) *Producer {
	return &Producer{writer: w}
}

// Name implements pipeline.Sink.
func (p *Producer) Name() string { return "kafka" }

// Send writes one message per event, keyed by incident uuid so that every
// event of an incident lands on the same partition.
func (p *Producer) Send(ctx context.Context, events []event.Event) error {
	msgs := make([]kafkago.Message, 0, len(events))
	now := time.Now()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		msg := kafkago.Message{Value: data, Time: now}
		if id := event.String(ev, event.FieldIncidentUUID); id != "" {
			msg.Key = []byte(id)
		}
		msgs = append(msgs, msg)
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer reads events from the input topic and runs them through a
// pipeline. Offsets are committed after each message is processed, so a
// crash replays at most the in-flight message.
type Consumer struct {
	reader   Reader
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// NewConsumer creates a consumer group reader for cfg.InputTopic.
func NewConsumer(cfg Config, p *pipeline.Pipeline, logger *zap.Logger) *Consumer {
	return NewConsumerFromReader(kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.InputTopic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	}), p, logger)
}

// NewConsumerFromReader wraps an existing reader.
func NewConsumerFromReader(r Reader, p *pipeline.Pipeline, logger *zap.Logger) *Consumer {
	return &Consumer{reader: r, pipeline: p, logger: logger}
}

// Run consumes until ctx is cancelled. Undecodable messages are committed
// and skipped; sink failures are logged and the offset is still committed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		c.Handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset: %w", err)
		}
	}
}

// Handle processes one message.
func (c *Consumer) Handle(ctx context.Context, msg kafkago.Message) {
	_, skipped, err := c.pipeline.ProcessRaw(ctx, [][]byte{msg.Value})
	if skipped > 0 {
		c.logger.Warn("Skipped undecodable Kafka message",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
	}
	if err != nil {
		c.logger.Error("Failed to forward Kafka message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
