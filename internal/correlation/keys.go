package correlation

import (
	"strings"

	"github.com/lvonguyen/incidentforge/internal/event"
)

// Key layout: <prefix>:<category>:<value> for memberships,
// <prefix>:incident:<uuid> and <prefix>:relation:<uuid> for records.
const (
	KeySeparator    = ":"
	RootPrefix      = "rbincident"
	incidentSegment = "incident"
	relationSegment = "relation"
)

// KeyPrefix returns the namespace-scoped prefix for cache keys.
func KeyPrefix(namespace string) string {
	if namespace == "" {
		return RootPrefix
	}
	return RootPrefix + KeySeparator + namespace
}

// KeyBuilder builds membership keys from field values. Two fields that share
// a category and value map to the same key on purpose: src and src_ip with
// the same address belong to the same incident.
type KeyBuilder struct {
	catalog *Catalog
}

// NewKeyBuilder creates a key builder over catalog.
func NewKeyBuilder(catalog *Catalog) KeyBuilder {
	return KeyBuilder{catalog: catalog}
}

// FieldKey returns the membership key for a field value.
func (b KeyBuilder) FieldKey(prefix, field string, value any) string {
	return join(prefix, b.catalog.Category(field), event.Stringify(value))
}

// IncidentKey returns the key holding an incident record.
func IncidentKey(prefix, incidentUUID string) string {
	return join(prefix, incidentSegment, incidentUUID)
}

// RelationKey returns the key holding an incident's relation link.
func RelationKey(prefix, incidentUUID string) string {
	return join(prefix, relationSegment, incidentUUID)
}

func join(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}
