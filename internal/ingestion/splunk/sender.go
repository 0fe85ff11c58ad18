package splunk

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/event"
)

// Sender errors.
var (
	ErrMissingToken = errors.New("HEC token not found in env var")
	ErrMissingURL   = errors.New("HEC URL is required")
)

// HECSender sends correlated events to Splunk via HEC.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	backoff    func(attempt int) time.Duration
	mu         sync.RWMutex
	stats      SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HECURL     string        `yaml:"hec_url"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	VerifySSL  bool          `yaml:"verify_ssl"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:   "SPLUNK_HEC_TOKEN_OUTBOUND",
		Index:      "incidentforge",
		SourceType: "incidentforge:event",
		Source:     "incidentforge",
		Timeout:    30 * time.Second,
		RetryCount: 3,
		VerifySSL:  true,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig, logger *zap.Logger) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingToken, config.TokenEnv)
	}
	if config.HECURL == "" {
		return nil, ErrMissingURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab deployments
	}

	return &HECSender{
		config: config,
		token:  token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		logger: logger,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}, nil
}

// Name implements pipeline.Sink.
func (s *HECSender) Name() string { return "splunk" }

// Send forwards correlated events to Splunk as newline-delimited HEC
// envelopes. The incident uuid, when present, is also set as an indexed
// field.
func (s *HECSender) Send(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		envelope := HECEvent{
			Source:     s.config.Source,
			SourceType: s.config.SourceType,
			Index:      s.config.Index,
			Event:      ev,
		}
		if ts, ok := event.Time(ev, event.FieldTimestamp); ok {
			envelope.Time = float64(ts.UnixNano()) / float64(time.Second)
		}
		if id := event.String(ev, event.FieldIncidentUUID); id != "" {
			envelope.Fields = map[string]any{event.FieldIncidentUUID: id}
		}
		if err := enc.Encode(envelope); err != nil {
			s.logger.Warn("Skipping unencodable event", zap.Error(err))
		}
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(events))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(events))
	s.stats.BytesSent += int64(buf.Len())
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *HECSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff(attempt)):
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("HEC send failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := baseURL(s.config.HECURL) + eventPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

const (
	eventPath  = "/services/collector/event"
	healthPath = "/services/collector/health"
)

// baseURL strips a trailing slash and event endpoint from a configured HEC
// URL, so both "https://host:8088" and ".../services/collector/event" work.
func baseURL(u string) string {
	return strings.TrimSuffix(strings.TrimSuffix(u, "/"), eventPath)
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := baseURL(s.config.HECURL) + healthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
