package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/cache"
)

// DefaultIncidentName is used when an event carries no message.
const DefaultIncidentName = "Unknown incident"

// ErrNotFound is returned by Reader when a record is absent or expired.
var ErrNotFound = errors.New("incident record not found")

// Incident is the record persisted once when an incident is opened.
type Incident struct {
	UUID         string     `json:"uuid"`
	Name         string     `json:"name"`
	Priority     string     `json:"priority"`
	Source       string     `json:"source"`
	DomainUUID   string     `json:"domain_uuid,omitempty"`
	FirstEventAt *time.Time `json:"first_event_at,omitempty"`
}

// Relation is a one-directional link from an incident to the partner it was
// related to at creation time.
type Relation struct {
	IncidentUUID string `json:"incident_uuid"`
	PartnerUUID  string `json:"partner_uuid"`
}

// Writer persists incident records, field memberships and relation links.
// Every write is an independent single-key operation; failures are logged and
// skipped.
type Writer struct {
	cache guardedStore
	ttl   time.Duration
}

// SaveIncident stores the record without expiration. Records outlive the
// memberships that point at them.
func (w *Writer) SaveIncident(ctx context.Context, prefix string, inc Incident) bool {
	if inc.UUID == "" {
		return false
	}

	data, err := json.Marshal(inc)
	if err != nil {
		w.cache.logger.Error("Failed to encode incident",
			zap.String("incident_uuid", inc.UUID),
			zap.Error(err),
		)
		return false
	}

	key := IncidentKey(prefix, inc.UUID)
	if !w.cache.set(ctx, key, string(data), "", 0) {
		return false
	}
	w.cache.logger.Info("Incident saved", zap.String("key", key))
	return true
}

// SaveFields binds each field's membership key to incidentUUID with the
// membership TTL.
func (w *Writer) SaveFields(ctx context.Context, incidentUUID string, fields []ObservedField) int {
	saved := 0
	for _, f := range fields {
		if w.cache.set(ctx, f.Key, incidentUUID, f.Name, w.ttl) {
			saved++
		}
	}
	return saved
}

// RefreshFields extends the TTL of existing memberships, leaving each one
// bound to whatever incident it already references.
func (w *Writer) RefreshFields(ctx context.Context, fields []ObservedField) int {
	refreshed := 0
	for _, f := range fields {
		if w.cache.refresh(ctx, f.Key, f.Name, w.ttl) {
			refreshed++
		}
	}
	return refreshed
}

// SaveRelation links incidentUUID to the first incident found among the
// candidates' memberships. It returns the partner, or "" when none was
// found and nothing was written.
func (w *Writer) SaveRelation(ctx context.Context, prefix, incidentUUID string, candidates []ObservedField) string {
	var partner string
	for _, f := range candidates {
		if uuid, found := w.cache.get(ctx, f.Key, f.Name); found {
			partner = uuid
			break
		}
	}
	if partner == "" {
		return ""
	}

	if !w.cache.set(ctx, RelationKey(prefix, incidentUUID), partner, "", 0) {
		return ""
	}
	return partner
}

// Reader loads incident records and relation links back from the cache.
// Unlike the per-event path, it reports backend errors to the caller.
type Reader struct {
	store cache.Store
}

// NewReader creates a Reader over store.
func NewReader(store cache.Store) *Reader {
	return &Reader{store: store}
}

// Incident loads the record for incidentUUID under prefix.
func (r *Reader) Incident(ctx context.Context, prefix, incidentUUID string) (*Incident, error) {
	raw, found, err := r.store.Get(ctx, IncidentKey(prefix, incidentUUID))
	if err != nil {
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}

	var inc Incident
	if err := json.Unmarshal([]byte(raw), &inc); err != nil {
		return nil, fmt.Errorf("failed to decode incident: %w", err)
	}
	return &inc, nil
}

// Relation loads the relation link of incidentUUID under prefix.
func (r *Reader) Relation(ctx context.Context, prefix, incidentUUID string) (*Relation, error) {
	partner, found, err := r.store.Get(ctx, RelationKey(prefix, incidentUUID))
	if err != nil {
		return nil, fmt.Errorf("failed to load relation: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &Relation{IncidentUUID: incidentUUID, PartnerUUID: partner}, nil
}
