package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/cache"
	"github.com/lvonguyen/incidentforge/internal/event"
)

const tracerName = "github.com/lvonguyen/incidentforge/internal/correlation"

// Configuration errors.
var (
	ErrNoIncidentFields = errors.New("incident_fields must list at least one field")
	ErrNoSource         = errors.New("source is required")
	ErrNegativeFieldTTL = errors.New("cache_expiration must not be negative")
	ErrEmptyFieldName   = errors.New("incident_fields contains an empty field name")
)

// Config holds the correlation settings.
type Config struct {
	CacheExpiration int               `yaml:"cache_expiration"` // seconds, 0 = never expire
	IncidentFields  []string          `yaml:"incident_fields"`
	Source          string            `yaml:"source"`
	FieldScores     map[string]int    `yaml:"field_scores"`
	FieldMap        map[string]string `yaml:"field_map"`
	MinimumPriority string            `yaml:"minimum_priority"`
	SeverityScales  map[string]Scale  `yaml:"severity_scales"`
}

// DefaultConfig returns defaults. IncidentFields and Source have no default
// and must be configured.
func DefaultConfig() Config {
	return Config{
		CacheExpiration: 600,
		MinimumPriority: "high",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if len(c.IncidentFields) == 0 {
		errs = append(errs, ErrNoIncidentFields)
	}
	for _, f := range c.IncidentFields {
		if f == "" {
			errs = append(errs, ErrEmptyFieldName)
			break
		}
	}
	if c.Source == "" {
		errs = append(errs, ErrNoSource)
	}
	if c.CacheExpiration < 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrNegativeFieldTTL, c.CacheExpiration))
	}
	for field, score := range c.FieldScores {
		if score < 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%d", ErrNegativeScore, field, score))
		}
	}
	return errors.Join(errs...)
}

// MembershipTTL returns the field membership expiration.
func (c Config) MembershipTTL() time.Duration {
	return time.Duration(c.CacheExpiration) * time.Second
}

type options struct {
	observer Observer
	timeout  time.Duration
	newUUID  func() string
	tracer   trace.Tracer
}

// Option customises a Filter.
type Option func(*options)

// WithObserver reports decisions and cache failures to o.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithOperationTimeout bounds each cache round-trip.
func WithOperationTimeout(d time.Duration) Option {
	return func(opts *options) { opts.timeout = d }
}

// WithUUIDGenerator replaces the incident uuid source.
func WithUUIDGenerator(fn func() string) Option {
	return func(opts *options) { opts.newUUID = fn }
}

// WithTracer sets the tracer used for per-event spans.
func WithTracer(t trace.Tracer) Option {
	return func(opts *options) { opts.tracer = t }
}

// Filter reads identity fields from events, runs the decision engine and
// writes the resulting incident uuid back onto the event. It holds no
// mutable state and is safe for concurrent use.
type Filter struct {
	config   Config
	keys     KeyBuilder
	engine   *Engine
	logger   *zap.Logger
	observer Observer
	tracer   trace.Tracer
}

// NewFilter builds a filter over store. A nil store yields an inert filter
// that passes every event through untouched; this is how an unreachable
// cache backend at startup is handled.
func NewFilter(cfg Config, store cache.Store, logger *zap.Logger, opts ...Option) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correlation config: %w", err)
	}

	o := options{
		observer: nopObserver{},
		newUUID:  uuid.NewString,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}

	catalog, err := NewCatalog(cfg.FieldScores, cfg.FieldMap)
	if err != nil {
		return nil, fmt.Errorf("invalid field catalog: %w", err)
	}

	registry := NewScaleRegistry(cfg.SeverityScales)
	if _, ok := registry.Lookup(cfg.Source); !ok {
		logger.Warn("No severity scale for source, new incidents will never be opened",
			zap.String("source", cfg.Source),
		)
	}

	f := &Filter{
		config:   cfg,
		keys:     NewKeyBuilder(catalog),
		logger:   logger,
		observer: o.observer,
		tracer:   o.tracer,
	}

	if store == nil {
		logger.Error("Cache backend unavailable, incident correlation disabled")
		return f, nil
	}

	guard := guardedStore{
		store:    store,
		logger:   logger,
		observer: o.observer,
		timeout:  o.timeout,
	}
	f.engine = &Engine{
		aggregator: &Aggregator{catalog: catalog, cache: guard},
		writer:     &Writer{cache: guard, ttl: cfg.MembershipTTL()},
		gate:       NewSeverityGate(registry, cfg.Source, cfg.MinimumPriority),
		source:     cfg.Source,
		newUUID:    o.newUUID,
		logger:     logger,
	}
	return f, nil
}

// Enabled reports whether the filter is backed by a cache.
func (f *Filter) Enabled() bool {
	return f.engine != nil
}

// Config returns the filter configuration.
func (f *Filter) Config() Config {
	return f.config
}

// Apply correlates one event. When an incident uuid is produced it is set
// on the event as incident_uuid. Apply never fails: cache problems degrade to
// an event without an incident uuid.
func (f *Filter) Apply(ctx context.Context, ev event.Accessor) Decision {
	start := time.Now()
	ctx, span := f.tracer.Start(ctx, "correlation.Apply")
	defer span.End()

	var d Decision
	if f.engine == nil {
		d = Decision{Outcome: OutcomeNone, Reason: ReasonInert}
	} else {
		prefix := KeyPrefix(event.String(ev, event.FieldNamespaceUUID))
		req := Request{
			Prefix:     prefix,
			Fields:     Observe(f.keys, prefix, f.config.IncidentFields, ev),
			Priority:   Priority(ev),
			Name:       Name(ev),
			DomainUUID: DomainUUID(ev),
		}
		if ts, ok := event.Time(ev, event.FieldTimestamp); ok {
			req.FirstEventAt = &ts
		}

		d = f.engine.Decide(ctx, req)
		if d.IncidentUUID != "" {
			ev.Set(event.FieldIncidentUUID, d.IncidentUUID)
		}
	}

	span.SetAttributes(
		attribute.String("incident.outcome", string(d.Outcome)),
		attribute.Int("incident.total_score", d.TotalScore),
	)
	f.observer.ObserveDecision(d.Outcome, d.Reason, time.Since(start))
	return d
}

// Priority returns the event's normalized priority, taken from the first
// present of priority, severity and syslogseverity_text.
func Priority(ev event.Accessor) string {
	for _, name := range []string{event.FieldPriority, event.FieldSeverity, event.FieldSyslogSeverityText} {
		if _, ok := ev.Get(name); ok {
			return NormalizePriority(event.String(ev, name))
		}
	}
	return PriorityUnknown
}

// Name returns the incident display name for an event.
func Name(ev event.Accessor) string {
	if msg := event.String(ev, event.FieldMessage); msg != "" {
		return msg
	}
	return DefaultIncidentName
}

// DomainUUID returns the narrowest domain identifier on the event:
// organization, then namespace, then service provider.
func DomainUUID(ev event.Accessor) string {
	for _, name := range []string{event.FieldOrganizationUUID, event.FieldNamespaceUUID, event.FieldServiceProviderUUID} {
		if v := event.String(ev, name); v != "" {
			return v
		}
	}
	return ""
}
