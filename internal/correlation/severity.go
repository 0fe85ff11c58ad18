package correlation

import "strings"

// PriorityUnknown is the normalized priority for missing or unrecognised
// values.
const PriorityUnknown = "unknown"

// Built-in scale names, matched against the configured source label.
const (
	SourceIntrusion = "Intrusion"
	SourceVault     = "Vault"
)

var knownPriorities = map[string]struct{}{
	"critical":  {},
	"high":      {},
	"medium":    {},
	"low":       {},
	"none":      {},
	"unknown":   {},
	"info":      {},
	"emergency": {},
	"alert":     {},
	"error":     {},
	"warning":   {},
	"notice":    {},
	"debug":     {},
}

// NormalizePriority lowercases raw and maps anything outside the known set
// to PriorityUnknown.
func NormalizePriority(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := knownPriorities[p]; !ok {
		return PriorityUnknown
	}
	return p
}

// Scale ranks priority labels; higher is more severe.
type Scale map[string]int

// DefaultScales returns the intrusion-detection and syslog-style scales.
func DefaultScales() map[string]Scale {
	return map[string]Scale{
		SourceIntrusion: {
			"info":     1,
			"unknown":  2,
			"none":     3,
			"low":      4,
			"medium":   5,
			"high":     6,
			"critical": 7,
		},
		SourceVault: {
			"debug":     1,
			"info":      2,
			"notice":    3,
			"warning":   4,
			"error":     5,
			"critical":  6,
			"alert":     7,
			"emergency": 8,
		},
	}
}

// ScaleRegistry holds the scales available to the severity gate, keyed by
// source label. It is read-only after construction.
type ScaleRegistry struct {
	scales map[string]Scale
}

// NewScaleRegistry returns the default scales plus extra. An extra scale
// with a built-in name replaces the built-in.
func NewScaleRegistry(extra map[string]Scale) *ScaleRegistry {
	scales := DefaultScales()
	for name, scale := range extra {
		normalized := make(Scale, len(scale))
		for label, rank := range scale {
			normalized[strings.ToLower(label)] = rank
		}
		scales[name] = normalized
	}
	return &ScaleRegistry{scales: scales}
}

// Lookup returns the scale registered for source.
func (r *ScaleRegistry) Lookup(source string) (Scale, bool) {
	s, ok := r.scales[source]
	return s, ok
}

// Meets reports whether priority ranks at or above minimum on the scale for
// source. Unknown sources and unranked labels close the gate.
func (r *ScaleRegistry) Meets(source, priority, minimum string) bool {
	scale, ok := r.scales[source]
	if !ok {
		return false
	}
	rank, ok := scale[strings.ToLower(priority)]
	if !ok {
		return false
	}
	threshold, ok := scale[strings.ToLower(minimum)]
	if !ok {
		return false
	}
	return rank >= threshold
}

// SeverityGate decides whether an event's priority qualifies it to open a
// new incident.
type SeverityGate struct {
	registry *ScaleRegistry
	source   string
	minimum  string
}

// NewSeverityGate binds a registry to a source and minimum priority.
func NewSeverityGate(registry *ScaleRegistry, source, minimum string) SeverityGate {
	return SeverityGate{registry: registry, source: source, minimum: minimum}
}

// Open reports whether priority passes the gate.
func (g SeverityGate) Open(priority string) bool {
	if g.minimum == "" {
		return false
	}
	return g.registry.Meets(g.source, priority, g.minimum)
}
