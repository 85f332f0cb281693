package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidewire/bridge/go/catalog"
	"github.com/tidewire/bridge/go/pipeline"
)

const mappingDoc = `
mappings:
  - equip_tag: GPS001
    message_id: GLL001
    object: GPS.LAT
    value_type: float
  - equip_tag: ENG001
    message_id: RPM001
    object: ENG.RPM
    value_type: integer
  - equip_tag: TMP001
    message_id: TMP001
    object: TMP.CABIN
    value_type: float
`

const devicesDoc = `
objects:
  GPS.LAT: [VM-A, VM-B]
  ENG.RPM: [VM-A, VM-B, VM-C]
`

func writeBridgeConfig(t *testing.T, devices string) *Config {
	t.Helper()
	var dir = t.TempDir()
	var mappingPath = filepath.Join(dir, "mapping.yaml")
	var devicesPath = filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(mappingPath, []byte(mappingDoc), 0o600))
	require.NoError(t, os.WriteFile(devicesPath, []byte(devices), 0o600))

	var doc = fmt.Sprintf(`
app_name: bridge
mapping_catalog_path: %s
device_catalog_path: %s
input:
  type: mqtt
  mqtt:
    host: broker.local
    port: 1883
    topic: telemetry/frames
transports:
  type: signalr
  signalr:
    url: wss://hub.example.com/hub
`, mappingPath, devicesPath)

	var cfg, err = LoadConfig(writeDoc(t, "bridge.yaml", doc), "")
	require.NoError(t, err)
	return cfg
}

func TestNewBridgeAssembles(t *testing.T) {
	var b, err = NewBridge(writeBridgeConfig(t, devicesDoc))
	require.NoError(t, err)

	require.Equal(t, 3, b.mapping.Len())
	require.Equal(t, 2, b.devices.Len())
	require.NotNil(t, b.Counters())
	require.NotNil(t, b.ingest)
	require.NotNil(t, b.egress)
	require.NotNil(t, b.deliveries)
}

func TestNewBridgeMissingCatalogIsConfigError(t *testing.T) {
	var cfg = writeBridgeConfig(t, devicesDoc)
	cfg.MappingCatalogPath = filepath.Join(t.TempDir(), "absent.yaml")

	var _, err = NewBridge(cfg)
	require.Error(t, err)
	require.Equal(t, ExitConfig, ExitCode(err))
}

func TestNewBridgeStrictReferenceCheck(t *testing.T) {
	// TMP.CABIN is mapped but no device subscribes to it.
	var cfg = writeBridgeConfig(t, devicesDoc)
	cfg.Catalogs.RequireTargets = true

	var _, err = NewBridge(cfg)
	require.Error(t, err)
	require.ErrorContains(t, err, "TMP.CABIN")
	require.Equal(t, ExitCatalog, ExitCode(err))

	// Without strict validation the same catalogs load.
	cfg.Catalogs.RequireTargets = false
	var _, lerr = NewBridge(cfg)
	require.NoError(t, lerr)
}

// deliveryCapture stands in for the egress client at the pipeline loop's
// downstream edge.
type deliveryCapture struct {
	mu     sync.Mutex
	events []pipeline.ResolvedEvent
}

func (d *deliveryCapture) deliver(_ context.Context, event pipeline.ResolvedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *deliveryCapture) all() []pipeline.ResolvedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pipeline.ResolvedEvent(nil), d.events...)
}

func frame(equipTag, messageID string, value interface{}) pipeline.IngressEvent {
	return pipeline.IngressEvent{
		TraceID: "trace-" + equipTag + "-" + messageID,
		Raw: map[string]interface{}{
			"header": map[string]interface{}{"SRC": "feeder"},
			"payload": map[string]interface{}{
				"Equip.Tag":  equipTag,
				"Message.ID": messageID,
				"VALUE":      value,
			},
		},
	}
}

func TestPipelineLoopEndToEnd(t *testing.T) {
	var mapping, err = catalog.ParseMapping([]byte(mappingDoc))
	require.NoError(t, err)
	devices, err := catalog.ParseDevices([]byte(devicesDoc))
	require.NoError(t, err)

	var counters = new(pipeline.Counters)
	var capture = &deliveryCapture{}
	var events = make(chan pipeline.IngressEvent, 16)

	var loop = pipelineLoop{
		events:   events,
		mapper:   pipeline.NewMapper(mapping, counters),
		resolver: pipeline.NewResolver(devices, counters),
		deliver:  capture.deliver,
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- loop.run(ctx) }()

	// A float mapping with two subscribed devices.
	events <- frame("GPS001", "GLL001", 37.5665)
	// A text value coerced to the declared integer type, three devices.
	events <- frame("ENG001", "RPM001", "1800")
	// Dropped: no mapping rule.
	events <- frame("NAV001", "HDG001", 182.4)
	// Dropped: payload is missing entirely.
	events <- pipeline.IngressEvent{Raw: map[string]interface{}{"header": map[string]interface{}{}}}
	// Dropped: value fails integer coercion.
	events <- frame("ENG001", "RPM001", "not-a-number")
	// Dropped: mapped object has no subscribed devices.
	events <- frame("TMP001", "TMP001", 21.5)

	require.Eventually(t, func() bool {
		return counters.NoTargets.Load() == 1
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	var delivered = capture.all()
	require.Len(t, delivered, 2)

	require.Equal(t, "GPS.LAT", delivered[0].Object)
	require.Equal(t, 37.5665, delivered[0].Value)
	require.Equal(t, []string{"VM-A", "VM-B"}, delivered[0].Devices)

	require.Equal(t, "ENG.RPM", delivered[1].Object)
	require.Equal(t, int64(1800), delivered[1].Value)
	require.Equal(t, []string{"VM-A", "VM-B", "VM-C"}, delivered[1].Devices)

	require.Equal(t, int64(2), counters.Mapped.Load())
	require.Equal(t, int64(1), counters.Unmapped.Load())
	require.Equal(t, int64(1), counters.InvalidPayload.Load())
	require.Equal(t, int64(1), counters.CoercionFailed.Load())
	require.Equal(t, int64(2), counters.Resolved.Load())
	require.Equal(t, int64(1), counters.NoTargets.Load())
}
