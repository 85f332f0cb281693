package egress

import (
	"encoding/json"
	"time"

	"github.com/tidewire/bridge/go/pipeline"
)

// timestampLayout renders ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Payload is the framed document sent to each device.
type Payload struct {
	Object    string      `json:"object"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// MarshalPayload frames a resolved event as the egress payload document.
func MarshalPayload(event pipeline.ResolvedEvent, at time.Time) ([]byte, error) {
	return json.Marshal(Payload{
		Object:    event.Object,
		Value:     event.Value,
		Timestamp: at.UTC().Format(timestampLayout),
		TraceID:   event.TraceID,
	})
}
