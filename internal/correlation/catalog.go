// Package correlation groups security events into incidents.
//
// Each event is reduced to a handful of identity fields (addresses, ports).
// Fields already bound to an incident in the shared cache contribute their
// trust score; the total decides whether the event joins an existing
// incident, opens a new one linked to a related incident, or opens a fresh
// one. The cache is the only state: every read may be stale or missing and
// every write is an independent single-key operation.
package correlation

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNegativeScore is returned when a configured field score is below zero.
var ErrNegativeScore = errors.New("field score must not be negative")

// FieldSpec is the trust score and key category of one identity field.
type FieldSpec struct {
	Score    int    `yaml:"score" json:"score"`
	Category string `yaml:"category" json:"category"`
}

// DefaultFieldScores returns the built-in scores for common network fields.
func DefaultFieldScores() map[string]int {
	return map[string]int{
		"lan_ip":   100,
		"src_ip":   100,
		"src":      100,
		"wan_ip":   100,
		"dst":      100,
		"dst_ip":   100,
		"lan_port": 30,
		"wan_port": 30,
		"src_port": 30,
		"dst_port": 30,
	}
}

// DefaultFieldCategories returns the built-in key categories.
func DefaultFieldCategories() map[string]string {
	return map[string]string{
		"lan_ip":   "ip",
		"src_ip":   "ip",
		"src":      "ip",
		"wan_ip":   "ip",
		"dst_ip":   "ip",
		"dst":      "ip",
		"lan_port": "port",
		"wan_port": "port",
		"src_port": "port",
		"dst_port": "port",
	}
}

// Catalog maps field names to their FieldSpec. It is immutable once built.
type Catalog struct {
	specs map[string]FieldSpec
}

// NewCatalog builds a catalog. A non-empty scores map replaces the default
// scores entirely, and likewise for categories; the two maps are never
// merged with their defaults.
func NewCatalog(scores map[string]int, categories map[string]string) (*Catalog, error) {
	if len(scores) == 0 {
		scores = DefaultFieldScores()
	}
	if len(categories) == 0 {
		categories = DefaultFieldCategories()
	}

	specs := make(map[string]FieldSpec, len(scores))
	var errs []error
	for field, score := range scores {
		if score < 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%d", ErrNegativeScore, field, score))
			continue
		}
		spec := specs[field]
		spec.Score = score
		specs[field] = spec
	}
	for field, category := range categories {
		spec := specs[field]
		spec.Category = category
		specs[field] = spec
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Catalog{specs: specs}, nil
}

// Score returns the trust score of field, or 0 when unconfigured.
func (c *Catalog) Score(field string) int {
	return c.specs[field].Score
}

// Category returns the key category of field, or "" when unconfigured.
func (c *Catalog) Category(field string) string {
	return c.specs[field].Category
}

// Spec returns the score and category of field.
func (c *Catalog) Spec(field string) FieldSpec {
	return c.specs[field]
}

// Fields returns the configured field names in sorted order.
func (c *Catalog) Fields() []string {
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
