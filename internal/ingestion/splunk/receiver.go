// Package splunk provides bidirectional Splunk HEC integration.
// Receives events via HEC endpoint, correlates them and sends the tagged
// events on to a downstream Splunk.
package splunk

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/event"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

// Parse errors.
var (
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrNoEvents      = errors.New("no valid events found")
)

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	server  *http.Server
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"`
	TokenEnv     string        `yaml:"token_env"`
	TLSCertFile  string        `yaml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxEventSize int           `yaml:"max_event_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Port:         8088,
		TokenEnv:     "SPLUNK_HEC_TOKEN_INBOUND",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64
	EventsDropped  int64
	BytesReceived  int64
	LastEventAt    time.Time
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       any            `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Flatten turns the envelope into a correlation event. An object payload
// becomes the event; anything else is kept as its msg. Indexed fields fill
// gaps but never override payload fields.
func (h HECEvent) Flatten() event.Event {
	ev, err := event.FromAny(h.Event)
	if err != nil {
		ev = event.Event{event.FieldMessage: event.Stringify(h.Event)}
	}
	for k, v := range h.Fields {
		if _, ok := ev[k]; !ok {
			ev[k] = v
		}
	}
	if _, ok := ev[event.FieldTimestamp]; !ok && h.Time != nil {
		ev[event.FieldTimestamp] = h.Time
	}
	return ev
}

// PipelineHandler returns an EventHandler that correlates every received
// event through p.
func PipelineHandler(p *pipeline.Pipeline) EventHandler {
	return func(ctx context.Context, events []HECEvent) error {
		flat := make([]event.Event, len(events))
		for i, h := range events {
			flat[i] = h.Flatten()
		}
		_, err := p.Process(ctx, flat)
		return err
	}
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, logger *zap.Logger) *HECReceiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HECReceiver{
		config:  config,
		handler: handler,
		logger:  logger,
	}
}

// RegisterRoutes adds the HEC endpoints to router.
func (r *HECReceiver) RegisterRoutes(router chi.Router) {
	router.Route("/services/collector", func(router chi.Router) {
		router.Post("/event", r.handleEvent)
		router.Post("/event/1.0", r.handleEvent)
		router.Post("/raw", r.handleRaw)
		router.Get("/health", r.handleHealth)
		router.Get("/health/1.0", r.handleHealth)
	})
}

// Routes returns a standalone router serving only the HEC endpoints.
func (r *HECReceiver) Routes() http.Handler {
	router := chi.NewRouter()
	r.RegisterRoutes(router)
	return router
}

// Start begins listening for HEC events and blocks until ctx is cancelled
// or the server fails.
func (r *HECReceiver) Start(ctx context.Context) error {
	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      r.Routes(),
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("HEC receiver shutdown failed", zap.Error(err))
		}
	}()

	r.logger.Info("HEC receiver listening", zap.String("addr", r.server.Addr))

	var err error
	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		err = r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	} else {
		err = r.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	events, err := r.parseEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), 6)
		return
	}

	r.dispatch(w, req, events, len(body))
}

func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	q := req.URL.Query()
	events := []HECEvent{{
		Event:      string(body),
		SourceType: q.Get("sourcetype"),
		Source:     q.Get("source"),
		Host:       q.Get("host"),
		Index:      q.Get("index"),
	}}

	r.dispatch(w, req, events, len(body))
}

func (r *HECReceiver) dispatch(w http.ResponseWriter, req *http.Request, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()
			r.logger.Error("Failed to process HEC events",
				zap.Int("events", len(events)),
				zap.Error(err),
			)
			writeHEC(w, http.StatusInternalServerError, "Error processing events", 8)
			return
		}
	}

	writeHEC(w, http.StatusOK, "Success", 0)
}

func (r *HECReceiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeHEC(w, http.StatusOK, "HEC is healthy", 17)
}

// validateToken checks the HEC token. With no token configured every
// request is rejected, and only the Authorization header is accepted.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expected := os.Getenv(r.config.TokenEnv)
	if expected == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// parseEvents parses HEC event body (JSON or newline-delimited).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var events []HECEvent
	for dec.More() {
		var ev HECEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, ev)
		if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
			return nil, fmt.Errorf("%w: limit %d", ErrBatchTooLarge, r.config.MaxBatchSize)
		}
	}

	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}
