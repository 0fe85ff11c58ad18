// Package event provides the map-backed security event that flows through
// the incident correlation filter, plus the well-known field names the
// filter reads from and writes to.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known event fields.
const (
	FieldMessage             = "msg"
	FieldPriority            = "priority"
	FieldSeverity            = "severity"
	FieldSyslogSeverityText  = "syslogseverity_text"
	FieldNamespaceUUID       = "namespace_uuid"
	FieldOrganizationUUID    = "organization_uuid"
	FieldServiceProviderUUID = "service_provider_uuid"
	FieldTimestamp           = "timestamp"
	FieldIncidentUUID        = "incident_uuid"
)

// ErrNotObject is returned when a payload is valid JSON but not an object.
var ErrNotObject = errors.New("event payload is not a JSON object")

// Accessor is the field access contract the correlation filter consumes.
type Accessor interface {
	Get(name string) (any, bool)
	Set(name string, value any)
}

// Event is a flat key/value security event.
type Event map[string]any

// Get returns the value of a field. Nil values are reported as absent.
func (e Event) Get(name string) (any, bool) {
	v, ok := e[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Set writes a field.
func (e Event) Set(name string, value any) {
	e[name] = value
}

// String returns a field as a string, or "" when absent.
func String(a Accessor, name string) string {
	v, ok := a.Get(name)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return Stringify(v)
}

// Time reads an epoch-seconds timestamp field.
func Time(a Accessor, name string) (time.Time, bool) {
	v, ok := a.Get(name)
	if !ok {
		return time.Time{}, false
	}

	var secs float64
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case float64:
		secs = t
	case float32:
		secs = float64(t)
	case int:
		secs = float64(t)
	case int64:
		secs = float64(t)
	case uint64:
		secs = float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case time.Time:
		return t, true
	default:
		return time.Time{}, false
	}

	whole := int64(secs)
	frac := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, frac).UTC(), true
}

// Stringify renders a field value in canonical form so that numerically
// equal values produce the same string: 80, 80.0, json.Number("80") and
// "80" all render "80".
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := t.Float64(); err == nil {
			return formatFloat(f)
		}
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return formatFloat(float64(t))
	case float64:
		return formatFloat(t)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Decode parses a single JSON object. Numbers are kept as json.Number so
// that large integer identifiers survive intact.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Event(obj), nil
}

// FromAny converts an already-decoded value (for example the "event" member
// of a HEC envelope) into an Event.
func FromAny(v any) (Event, error) {
	switch t := v.(type) {
	case map[string]any:
		return Event(t), nil
	case Event:
		return t, nil
	case string:
		return Decode([]byte(t))
	default:
		return nil, ErrNotObject
	}
}
