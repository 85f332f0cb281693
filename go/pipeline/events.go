// Package pipeline holds the event model and the two pure stages of the
// bridge: the Mapper, which rewrites raw telemetry frames into canonical
// (object, value) tuples using the mapping catalog, and the Resolver, which
// fans each tuple out to its subscribed devices. Events move by value from
// stage to stage; neither stage suspends or retries.
package pipeline

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidewire/bridge/go/catalog"
)

// Recognized frame fields. A frame is a JSON document of the shape
//
//	{"header": {"UUID"?: string, ...},
//	 "payload": {"Equip.Tag": string, "Message.ID": string, "VALUE": scalar}}
//
// where the header may carry arbitrary additional routing fields.
const (
	FieldEquipTag  = "Equip.Tag"
	FieldMessageID = "Message.ID"
	FieldValue     = "VALUE"
)

// Meta describes where and when a frame was received.
type Meta struct {
	// Source is the ingest dialect, "mqtt" or "signalr".
	Source string
	// Address is the subscribed topic or joined group.
	Address string
	// ReceivedAt is the wall-clock receive timestamp.
	ReceivedAt time.Time
}

// IngressEvent is one decoded inbound frame, produced by the ingest client
// and consumed by the Mapper.
type IngressEvent struct {
	TraceID string
	Raw     map[string]interface{}
	Meta    Meta
}

// MappedEvent is the canonical tuple produced by the Mapper. Value holds the
// coerced representation: exactly one of int64, float64, string, or bool,
// matching Type.
type MappedEvent struct {
	TraceID string
	Object  string
	Value   interface{}
	Type    catalog.ValueType
}

// ResolvedEvent expands a MappedEvent with its fan-out device set, in
// catalog order. Devices is never empty.
type ResolvedEvent struct {
	TraceID string
	Object  string
	Value   interface{}
	Devices []string
}

// TraceIDFromFrame returns the frame's header.UUID when it is present and a
// well-formed UUID, and a freshly generated id otherwise.
func TraceIDFromFrame(raw map[string]interface{}) string {
	if header, ok := raw["header"].(map[string]interface{}); ok {
		if s, ok := header["UUID"].(string); ok {
			if _, err := uuid.Parse(s); err == nil {
				return s
			}
		}
	}
	return uuid.NewString()
}
