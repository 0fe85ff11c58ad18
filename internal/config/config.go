// Package config provides configuration management for IncidentForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/incidentforge/internal/api/gateway"
	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/correlation"
	"github.com/lvonguyen/incidentforge/internal/ingestion/kafka"
	"github.com/lvonguyen/incidentforge/internal/ingestion/natsbus"
	"github.com/lvonguyen/incidentforge/internal/ingestion/splunk"
	"github.com/lvonguyen/incidentforge/internal/observability"
)

// ErrInvalidPort is returned when the HTTP port is out of range.
var ErrInvalidPort = errors.New("server port must be between 1 and 65535")

// Config holds all IncidentForge configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Cache         cache.Config         `yaml:"cache"`
	Correlation   correlation.Config   `yaml:"correlation"`
	Splunk        SplunkConfig         `yaml:"splunk"`
	Kafka         kafka.Config         `yaml:"kafka"`
	NATS          natsbus.Config       `yaml:"nats"`
	RateLimit     gateway.Config       `yaml:"rate_limit"`
	Logging       LoggingConfig        `yaml:"logging"`
	Observability observability.Config `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
}

// SplunkConfig holds Splunk HEC settings.
type SplunkConfig struct {
	Receiver splunk.ReceiverConfig `yaml:"receiver"`
	Sender   splunk.SenderConfig   `yaml:"sender"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file over the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults. Correlation fields and source
// have no default and must be set in the file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBatchSize:    1000,
		},
		Cache:       cache.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Splunk: SplunkConfig{
			Receiver: splunk.DefaultReceiverConfig(),
			Sender:   splunk.DefaultSenderConfig(),
		},
		Kafka:     kafka.DefaultConfig(),
		NATS:      natsbus.DefaultConfig(),
		RateLimit: gateway.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: observability.DefaultConfig(),
	}
}

// Validate checks every section and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port))
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := c.Correlation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("correlation: %w", err))
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if c.NATS.Enabled {
		if err := c.NATS.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("nats: %w", err))
		}
	}
	return errors.Join(errs...)
}

// TelemetryConfig merges logging settings into the observability section.
func (c *Config) TelemetryConfig(version string) observability.Config {
	oc := c.Observability
	oc.ServiceVersion = version
	oc.LogLevel = c.Logging.Level
	oc.LogFormat = c.Logging.Format
	return oc
}

// EnabledTransports lists the event transports switched on in the file.
func (c *Config) EnabledTransports() []string {
	var transports []string
	if c.Splunk.Receiver.Enabled {
		transports = append(transports, "splunk")
	}
	if c.Kafka.Enabled {
		transports = append(transports, "kafka")
	}
	if c.NATS.Enabled {
		transports = append(transports, "nats")
	}
	return transports
}
