package pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters aggregates the per-stage event accounting of one bridge process.
// The atomic fields are the single source of truth: the heartbeat and tests
// read them directly, and RegisterMetrics exports them to Prometheus.
type Counters struct {
	IngestFrames         atomic.Int64
	IngestDecodeFailures atomic.Int64
	IngestReconnects     atomic.Int64

	Mapped         atomic.Int64
	InvalidPayload atomic.Int64
	Unmapped       atomic.Int64
	CoercionFailed atomic.Int64

	Resolved  atomic.Int64
	NoTargets atomic.Int64

	Sends            atomic.Int64
	SendFailures     atomic.Int64
	EgressReconnects atomic.Int64

	// Connection state gauges, holding transport.State values.
	IngestState atomic.Int64
	EgressState atomic.Int64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	IngestFrames         int64
	IngestDecodeFailures int64
	IngestReconnects     int64
	Mapped               int64
	InvalidPayload       int64
	Unmapped             int64
	CoercionFailed       int64
	Resolved             int64
	NoTargets            int64
	Sends                int64
	SendFailures         int64
	EgressReconnects     int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		IngestFrames:         c.IngestFrames.Load(),
		IngestDecodeFailures: c.IngestDecodeFailures.Load(),
		IngestReconnects:     c.IngestReconnects.Load(),
		Mapped:               c.Mapped.Load(),
		InvalidPayload:       c.InvalidPayload.Load(),
		Unmapped:             c.Unmapped.Load(),
		CoercionFailed:       c.CoercionFailed.Load(),
		Resolved:             c.Resolved.Load(),
		NoTargets:            c.NoTargets.Load(),
		Sends:                c.Sends.Load(),
		SendFailures:         c.SendFailures.Load(),
		EgressReconnects:     c.EgressReconnects.Load(),
	}
}

// RegisterMetrics exports the counters to the given Prometheus registerer.
// Call it at most once per registerer.
func (c *Counters) RegisterMetrics(reg prometheus.Registerer) {
	var counter = func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}
	var gauge = func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}

	reg.MustRegister(
		counter("bridge_ingest_frames_total", "Frames received from the upstream transport.", &c.IngestFrames),
		counter("bridge_ingest_decode_failures_total", "Inbound frames which failed to decode.", &c.IngestDecodeFailures),
		counter("bridge_ingest_reconnects_total", "Ingest connections established.", &c.IngestReconnects),
		counter("bridge_mapper_events_total", "Events successfully mapped.", &c.Mapped),
		counter("bridge_mapper_invalid_payload_total", "Frames dropped for a missing or invalid payload.", &c.InvalidPayload),
		counter("bridge_mapper_unmapped_total", "Frames dropped with no matching mapping rule.", &c.Unmapped),
		counter("bridge_mapper_coercion_failures_total", "Frames dropped because the value failed coercion.", &c.CoercionFailed),
		counter("bridge_resolver_events_total", "Events resolved to at least one device.", &c.Resolved),
		counter("bridge_resolver_no_targets_total", "Events dropped with no subscribed devices.", &c.NoTargets),
		counter("bridge_egress_sends_total", "Per-device sends delivered downstream.", &c.Sends),
		counter("bridge_egress_send_failures_total", "Per-device sends abandoned after retry.", &c.SendFailures),
		counter("bridge_egress_reconnects_total", "Egress connections established.", &c.EgressReconnects),
		gauge("bridge_ingest_connection_state", "Ingest connection state.", &c.IngestState),
		gauge("bridge_egress_connection_state", "Egress connection state.", &c.EgressState),
	)
}
