package correlation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MatchThreshold is the total score at which an event is treated as a
// confident match to an existing incident.
const MatchThreshold = 100

// Outcome is the classification of one event.
type Outcome string

const (
	OutcomeMatched Outcome = "matched_existing"
	OutcomeRelated Outcome = "related"
	OutcomeNew     Outcome = "new"
	OutcomeNone    Outcome = "none"
)

// Reasons attached to OutcomeNone decisions.
const (
	ReasonBelowSeverity = "below_severity"
	ReasonMatchExpired  = "match_expired"
	ReasonInert         = "inert"
)

// Classify maps a total score and the severity gate to an outcome. The
// severity gate only matters below the match threshold.
func Classify(total int, gateOpen bool) Outcome {
	switch {
	case total >= MatchThreshold:
		return OutcomeMatched
	case !gateOpen:
		return OutcomeNone
	case total > 0:
		return OutcomeRelated
	default:
		return OutcomeNew
	}
}

// Request carries everything the engine needs from one event.
type Request struct {
	Prefix       string
	Fields       []ObservedField
	Priority     string
	Name         string
	DomainUUID   string
	FirstEventAt *time.Time
}

// Decision is the result of processing one event.
type Decision struct {
	Outcome      Outcome `json:"outcome"`
	IncidentUUID string  `json:"incident_uuid,omitempty"`
	PartnerUUID  string  `json:"partner_uuid,omitempty"`
	TotalScore   int     `json:"total_score"`
	Reason       string  `json:"reason,omitempty"`
}

// Engine applies the match/related/new/no-op state machine.
type Engine struct {
	aggregator *Aggregator
	writer     *Writer
	gate       SeverityGate
	source     string
	newUUID    func() string
	logger     *zap.Logger
}

// Decide scores the request's fields, classifies the event and performs the
// resulting cache writes.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	snap := e.aggregator.Score(ctx, req.Fields)
	total := snap.Total()

	d := Decision{
		Outcome:    Classify(total, e.gate.Open(req.Priority)),
		TotalScore: total,
	}

	switch d.Outcome {
	case OutcomeMatched:
		d = e.matchExisting(ctx, snap, d)
	case OutcomeRelated, OutcomeNew:
		d = e.open(ctx, req, snap, d)
	default:
		d.Reason = ReasonBelowSeverity
	}

	e.logger.Debug("Correlation decision",
		zap.String("outcome", string(d.Outcome)),
		zap.String("incident_uuid", d.IncidentUUID),
		zap.String("partner_uuid", d.PartnerUUID),
		zap.Int("total_score", d.TotalScore),
		zap.String("priority", req.Priority),
		zap.Int("fields", len(req.Fields)),
	)
	return d
}

// matchExisting joins the event to the incident held by its highest scoring
// field. Unbound fields are attached to that incident and bound fields are
// refreshed where they stand.
func (e *Engine) matchExisting(ctx context.Context, snap Snapshot, d Decision) Decision {
	top, _ := snap.Top()

	incidentUUID, found := e.aggregator.cache.get(ctx, top.Field.Key, top.Field.Name)
	if !found {
		// Membership expired between scoring and this read.
		d.Outcome = OutcomeNone
		d.Reason = ReasonMatchExpired
		return d
	}

	if unbound := snap.Unbound(); len(unbound) > 0 {
		e.writer.SaveFields(ctx, incidentUUID, unbound)
	}
	e.writer.RefreshFields(ctx, snap.Bound())

	d.IncidentUUID = incidentUUID
	return d
}

// open creates a new incident. Unbound fields become its members; bound
// fields keep their current incident, are refreshed, and the first one still
// resolvable becomes the relation partner.
func (e *Engine) open(ctx context.Context, req Request, snap Snapshot, d Decision) Decision {
	incidentUUID := e.newUUID()

	e.writer.SaveIncident(ctx, req.Prefix, Incident{
		UUID:         incidentUUID,
		Name:         req.Name,
		Priority:     req.Priority,
		Source:       e.source,
		DomainUUID:   req.DomainUUID,
		FirstEventAt: req.FirstEventAt,
	})

	if unbound := snap.Unbound(); len(unbound) > 0 {
		e.writer.SaveFields(ctx, incidentUUID, unbound)
	}

	if bound := snap.Bound(); len(bound) > 0 {
		e.writer.RefreshFields(ctx, bound)
		d.PartnerUUID = e.writer.SaveRelation(ctx, req.Prefix, incidentUUID, bound)
	}

	d.IncidentUUID = incidentUUID
	return d
}
