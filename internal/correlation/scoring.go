package correlation

import (
	"context"
	"sort"

	"github.com/lvonguyen/incidentforge/internal/event"
)

// ObservedField is one identity field value taken from an event, with its
// membership key already resolved.
type ObservedField struct {
	Name     string
	Category string
	Value    any
	Key      string
}

// FieldScore pairs an observed field with its score.
type FieldScore struct {
	Field ObservedField
	Score int
}

// Observe extracts the configured identity fields from ev in configuration
// order. Absent and nil values are skipped entirely.
func Observe(keys KeyBuilder, prefix string, names []string, ev event.Accessor) []ObservedField {
	fields := make([]ObservedField, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		value, ok := ev.Get(name)
		if !ok {
			continue
		}
		fields = append(fields, ObservedField{
			Name:     name,
			Category: keys.catalog.Category(name),
			Value:    value,
			Key:      keys.FieldKey(prefix, name, value),
		})
	}
	return fields
}

// Snapshot is the pre-write view of an event's field scores. All partitions
// used by the decision engine are derived from it; the cache is never
// re-queried for scores once writes begin.
type Snapshot struct {
	fields []FieldScore // input order
	ranked []FieldScore // descending score, ties in input order
}

// NewSnapshot builds a snapshot from scores in input order.
func NewSnapshot(scores []FieldScore) Snapshot {
	ranked := make([]FieldScore, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return Snapshot{fields: scores, ranked: ranked}
}

// Total returns the sum of all field scores.
func (s Snapshot) Total() int {
	total := 0
	for _, fs := range s.fields {
		total += fs.Score
	}
	return total
}

// Ranked returns field scores ordered by descending score.
func (s Snapshot) Ranked() []FieldScore {
	return s.ranked
}

// Top returns the highest scoring field.
func (s Snapshot) Top() (FieldScore, bool) {
	if len(s.ranked) == 0 {
		return FieldScore{}, false
	}
	return s.ranked[0], true
}

// Unbound returns fields with score zero, in input order.
func (s Snapshot) Unbound() []ObservedField {
	return s.filter(func(score int) bool { return score == 0 })
}

// Bound returns fields with a positive score, in input order.
func (s Snapshot) Bound() []ObservedField {
	return s.filter(func(score int) bool { return score > 0 })
}

func (s Snapshot) filter(keep func(int) bool) []ObservedField {
	var out []ObservedField
	for _, fs := range s.fields {
		if keep(fs.Score) {
			out = append(out, fs.Field)
		}
	}
	return out
}

// Aggregator scores observed fields against the cache. It only reads.
type Aggregator struct {
	catalog *Catalog
	cache   guardedStore
}

// Score looks up each field's membership key. A present key contributes the
// field's catalog score; a miss or a failed lookup contributes zero.
func (a *Aggregator) Score(ctx context.Context, fields []ObservedField) Snapshot {
	scores := make([]FieldScore, 0, len(fields))
	for _, f := range fields {
		score := 0
		if _, found := a.cache.get(ctx, f.Key, f.Name); found {
			score = a.catalog.Score(f.Name)
		}
		scores = append(scores, FieldScore{Field: f, Score: score})
	}
	return NewSnapshot(scores)
}
