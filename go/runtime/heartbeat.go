package runtime

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/transport"
)

// runHeartbeat periodically logs a snapshot of the pipeline counters and
// both connection states, giving operators a pulse without scraping
// metrics. A zero interval disables it.
func runHeartbeat(ctx context.Context, interval time.Duration, counters *pipeline.Counters) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var s = counters.Snapshot()
			log.WithFields(log.Fields{
				"frames":         s.IngestFrames,
				"decodeFailures": s.IngestDecodeFailures,
				"mapped":         s.Mapped,
				"invalidPayload": s.InvalidPayload,
				"unmapped":       s.Unmapped,
				"coercionFailed": s.CoercionFailed,
				"resolved":       s.Resolved,
				"noTargets":      s.NoTargets,
				"sends":          s.Sends,
				"sendFailures":   s.SendFailures,
				"reconnects":     s.IngestReconnects + s.EgressReconnects,
				"ingestState":    transport.State(counters.IngestState.Load()).String(),
				"egressState":    transport.State(counters.EgressState.Load()).String(),
			}).Info("bridge heartbeat")

		case <-ctx.Done():
			return nil
		}
	}
}
