// Package api exposes the HTTP surface of IncidentForge: event submission,
// incident read-back, health and metrics.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/correlation"
	"github.com/lvonguyen/incidentforge/internal/event"
	"github.com/lvonguyen/incidentforge/internal/pipeline"
)

// maxBodyBytes bounds a single request body.
const maxBodyBytes = 10 << 20

// Options wires the router's dependencies. Store may be nil when the cache
// was unreachable at startup; Pipeline is required.
type Options struct {
	Pipeline       *pipeline.Pipeline
	Store          cache.Store
	Logger         *zap.Logger
	Version        string
	MaxBatchSize   int
	RequestTimeout time.Duration

	// Optional extras.
	Metrics     http.Handler
	Middlewares []func(http.Handler) http.Handler
	IngestLimit func(http.Handler) http.Handler
	HEC         RouteRegistrar
}

// RouteRegistrar adds its own routes to a router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type handler struct {
	pipeline *pipeline.Pipeline
	store    cache.Store
	reader   *correlation.Reader
	logger   *zap.Logger
	version  string
	maxBatch int
}

// NewRouter builds the chi router.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	h := &handler{
		pipeline: opts.Pipeline,
		store:    opts.Store,
		logger:   opts.Logger,
		version:  opts.Version,
		maxBatch: opts.MaxBatchSize,
	}
	if opts.Store != nil {
		h.reader = correlation.NewReader(opts.Store)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	for _, mw := range opts.Middlewares {
		r.Use(mw)
	}

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.IngestLimit != nil {
				r.Use(opts.IngestLimit)
			}
			r.Post("/events", h.handleEvent)
			r.Post("/events/batch", h.handleBatch)
		})

		r.Get("/incidents/{uuid}", h.handleGetIncident)
		r.Get("/incidents/{uuid}/relation", h.handleGetRelation)
	})

	if opts.HEC != nil {
		opts.HEC.RegisterRoutes(r)
	}

	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": h.version})
}

// handleReady reports whether the cache backend answers. Without a cache
// the service still accepts events but does not correlate them.
func (h *handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"cache":  "unavailable",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"cache":  "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "cache": "ok"})
}

func (h *handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	ev, err := event.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.pipeline.Process(r.Context(), []event.Event{ev})
	if len(results) == 0 {
		writeError(w, http.StatusServiceUnavailable, "event not processed")
		return
	}
	if err != nil {
		h.logger.Warn("Event correlated but not forwarded", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, results[0])
}

func (h *handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	events, err := decodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.maxBatch > 0 && len(events) > h.maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds maximum size of %d", h.maxBatch))
		return
	}

	results, err := h.pipeline.Process(r.Context(), events)
	if err != nil {
		h.logger.Warn("Batch correlated but not fully forwarded", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (h *handler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}

	prefix := correlation.KeyPrefix(r.URL.Query().Get("namespace"))
	inc, err := h.reader.Incident(r.Context(), prefix, chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *handler) handleGetRelation(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}

	prefix := correlation.KeyPrefix(r.URL.Query().Get("namespace"))
	rel, err := h.reader.Relation(r.Context(), prefix, chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (h *handler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, correlation.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("Incident lookup failed", zap.Error(err))
	writeError(w, http.StatusBadGateway, "cache lookup failed")
}

// decodeBatch accepts a JSON array of objects.
func decodeBatch(body []byte) ([]event.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("batch must be a JSON array: %w", err)
	}

	events := make([]event.Event, 0, len(raw))
	for i, item := range raw {
		ev, err := event.Decode(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
