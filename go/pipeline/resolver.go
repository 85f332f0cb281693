package pipeline

import (
	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/catalog"
)

// Resolver expands a MappedEvent into its fan-out device set. It is pure and
// deterministic, holding no state beyond the device catalog handle.
type Resolver struct {
	devices  *catalog.Devices
	counters *Counters
}

// NewResolver builds a Resolver over the loaded device catalog.
func NewResolver(devices *catalog.Devices, counters *Counters) *Resolver {
	return &Resolver{devices: devices, counters: counters}
}

// Resolve expands the event to its subscribed devices, or returns false when
// no device subscribes to its object.
func (r *Resolver) Resolve(event MappedEvent) (ResolvedEvent, bool) {
	var devices = r.devices.DevicesFor(event.Object)
	if len(devices) == 0 {
		r.counters.NoTargets.Add(1)
		log.WithFields(log.Fields{
			"trace":  event.TraceID,
			"object": event.Object,
		}).Debug("no devices subscribe to object")
		return ResolvedEvent{}, false
	}

	r.counters.Resolved.Add(1)
	return ResolvedEvent{
		TraceID: event.TraceID,
		Object:  event.Object,
		Value:   event.Value,
		Devices: devices,
	}, true
}
