package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lvonguyen/incidentforge/internal/correlation"
)

// DecisionObserver records correlation outcomes and cache failures in
// Prometheus. It satisfies correlation.Observer.
type DecisionObserver struct {
	metrics *Metrics
}

var _ correlation.Observer = (*DecisionObserver)(nil)

// NewDecisionObserver returns an observer over m. A nil m records nothing.
func NewDecisionObserver(m *Metrics) *DecisionObserver {
	return &DecisionObserver{metrics: m}
}

// ObserveDecision counts one processed event.
func (o *DecisionObserver) ObserveDecision(outcome correlation.Outcome, reason string, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.EventsProcessed.WithLabelValues(string(outcome), reason).Inc()
	o.metrics.DecisionDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// ObserveCacheError counts one failed cache operation.
func (o *DecisionObserver) ObserveCacheError(op string) {
	if o.metrics == nil {
		return
	}
	o.metrics.CacheErrors.WithLabelValues(op).Inc()
}

// HTTPMiddleware records request counts and latency by route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
