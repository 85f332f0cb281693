package runtime

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/catalog"
	"github.com/tidewire/bridge/go/deliverylog"
	"github.com/tidewire/bridge/go/egress"
	"github.com/tidewire/bridge/go/ingest"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/transport"
	"go.gazette.dev/core/task"
)

// shutdownTimeout bounds the drain of in-flight work after cancellation.
const shutdownTimeout = 5 * time.Second

// Bridge is the assembled process: both catalogs, the pipeline stages, the
// transport clients, and the delivery log, ready to be queued on a
// task.Group.
type Bridge struct {
	cfg      *Config
	counters *pipeline.Counters

	mapping  *catalog.Mapping
	devices  *catalog.Devices
	mapper   *pipeline.Mapper
	resolver *pipeline.Resolver

	deliveries *deliverylog.Logger
	ingest     *ingest.Client
	egress     *egress.Client

	// stopped closes when the pipeline loop has drained and exited.
	stopped chan struct{}
}

// NewBridge loads both catalogs and assembles the bridge in reverse dataflow
// order: delivery log, egress, resolver, mapper, ingest. Configuration and
// catalog failures are ConfigError class; a strict cross-check failure is
// CatalogRefError class.
func NewBridge(cfg *Config) (*Bridge, error) {
	var mapping, err = catalog.LoadMapping(cfg.MappingCatalogPath)
	if err != nil {
		return nil, ConfigError{err}
	}
	devices, err := catalog.LoadDevices(cfg.DeviceCatalogPath)
	if err != nil {
		return nil, ConfigError{err}
	}
	if cfg.Catalogs.RequireTargets {
		if missing := catalog.MissingTargets(mapping, devices); len(missing) != 0 {
			return nil, CatalogRefError{
				fmt.Errorf("objects map to no devices: %v", missing)}
		}
	}
	log.WithFields(log.Fields{
		"mappings": mapping.Len(),
		"objects":  devices.Len(),
	}).Info("catalogs loaded")

	if cfg.Logging.Level != "" {
		level, err := log.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, ConfigError{fmt.Errorf("logging.level: %w", err)}
		}
		log.SetLevel(level)
	}

	var counters = new(pipeline.Counters)
	var deliveries = deliverylog.New(deliverylog.Config{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.BackupCount,
		UTC:        cfg.Logging.UTC,
	})

	egressClient, err := egress.NewClient(cfg.egressConfig(), deliveries, counters)
	if err != nil {
		return nil, ConfigError{fmt.Errorf("transports: %w", err)}
	}
	ingestClient, err := ingest.NewClient(cfg.ingestConfig(), counters)
	if err != nil {
		return nil, ConfigError{fmt.Errorf("input: %w", err)}
	}

	return &Bridge{
		cfg:        cfg,
		counters:   counters,
		mapping:    mapping,
		devices:    devices,
		mapper:     pipeline.NewMapper(mapping, counters),
		resolver:   pipeline.NewResolver(devices, counters),
		deliveries: deliveries,
		ingest:     ingestClient,
		egress:     egressClient,
		stopped:    make(chan struct{}),
	}, nil
}

// Counters exposes the bridge's counter block, for metrics registration and
// the heartbeat.
func (b *Bridge) Counters() *pipeline.Counters { return b.counters }

// QueueTasks queues the bridge's long-lived loops: both transport clients,
// the pipeline loop, the delivery-log writer, the heartbeat, and the
// shutdown watchdog. Cancellation of the group's context stops them all.
func (b *Bridge) QueueTasks(tasks *task.Group) {
	var ctx = tasks.Context()

	tasks.Queue("ingest.Run", func() error { return b.ingest.Run(ctx) })
	tasks.Queue("egress.Run", func() error { return b.egress.Run(ctx) })
	tasks.Queue("pipeline.loop", func() error {
		defer close(b.stopped)
		return b.runPipeline(ctx)
	})

	tasks.Queue("deliverylog.Run", func() error { return b.deliveries.Run() })
	tasks.Queue("deliverylog.Close", func() error {
		// The delivery log closes only after the pipeline loop has drained,
		// so nothing appends to a closed logger.
		<-ctx.Done()
		select {
		case <-b.stopped:
		case <-time.After(shutdownTimeout):
		}
		b.deliveries.Close()
		return nil
	})

	tasks.Queue("heartbeat", func() error {
		return runHeartbeat(ctx, b.cfg.Heartbeat(), b.counters)
	})

	tasks.Queue("shutdown watchdog", func() error {
		<-ctx.Done()
		select {
		case <-b.stopped:
		case <-time.After(shutdownTimeout):
			log.WithField("timeout", shutdownTimeout).
				Warn("shutdown deadline exceeded; abandoning in-flight work")
		}
		return nil
	})
}

func (b *Bridge) runPipeline(ctx context.Context) error {
	return pipelineLoop{
		events:   b.ingest.Events(),
		mapper:   b.mapper,
		resolver: b.resolver,
		deliver:  b.egress.Deliver,
	}.run(ctx)
}

// pipelineLoop is the single goroutine which owns stage progression: each
// decoded frame runs Mapper, Resolver, and egress fan-out sequentially, in
// arrival order. Transport callbacks only ever enqueue onto the ingest
// channel.
type pipelineLoop struct {
	events   <-chan pipeline.IngressEvent
	mapper   *pipeline.Mapper
	resolver *pipeline.Resolver
	deliver  func(context.Context, pipeline.ResolvedEvent)
}

func (l pipelineLoop) run(ctx context.Context) error {
	for {
		select {
		case event := <-l.events:
			var mapped, ok = l.mapper.Map(event)
			if !ok {
				continue
			}
			resolved, ok := l.resolver.Resolve(mapped)
			if !ok {
				continue
			}
			l.deliver(ctx, resolved)

		case <-ctx.Done():
			return nil
		}
	}
}

// egressConfig maps the validated document onto the egress client's
// configuration.
func (c *Config) egressConfig() egress.Config {
	var out = egress.Config{
		Target:            c.Transports.Type,
		SendTimeout:       c.SendTimeout(),
		IdleTimeout:       c.EgressIdleTimeout(),
		StrictDeviceOrder: c.Pipeline.StrictDeviceOrder,
	}
	if m := c.Transports.MQTT; m != nil {
		out.MQTT = egress.MQTTConfig{
			MQTTSettings:  m.settings(),
			QoS:           byte(m.QoS),
			TopicTemplate: m.TopicTemplate,
		}
	}
	if s := c.Transports.SignalR; s != nil {
		out.SignalR = egress.SignalRConfig{
			URL:           s.URL,
			Username:      s.Username,
			Password:      s.Password,
			SendMethod:    s.SendMethod,
			Target:        s.Target,
			SkipNegotiate: s.SkipNegotiate,
			Batch: egress.BatchConfig{
				Enabled:     s.Batch.Enabled,
				MaxDelay:    time.Duration(s.Batch.MaxDelayMS) * time.Millisecond,
				MaxMessages: s.Batch.MaxMessages,
			},
		}
	}
	return out
}

// ingestConfig maps the validated document onto the ingest client's
// configuration.
func (c *Config) ingestConfig() ingest.Config {
	var out = ingest.Config{
		Source:      c.Input.Type,
		IdleTimeout: c.IngestIdleTimeout(),
	}
	if m := c.Input.MQTT; m != nil {
		out.MQTT = ingest.MQTTConfig{
			MQTTSettings: m.settings(),
			Topic:        m.Topic,
			QoS:          byte(m.QoS),
		}
	}
	if s := c.Input.SignalR; s != nil {
		out.SignalR = ingest.SignalRConfig{
			URL:           s.URL,
			Group:         s.Group,
			Username:      s.Username,
			Password:      s.Password,
			JoinMethod:    s.JoinMethod,
			Event:         s.Event,
			SkipNegotiate: s.SkipNegotiate,
		}
	}
	return out
}

func (m *MQTTParams) settings() transport.MQTTSettings {
	return transport.MQTTSettings{
		Host:             m.Host,
		Port:             m.Port,
		Username:         m.Username,
		Password:         m.Password,
		KeepaliveSeconds: m.KeepaliveSeconds,
		SSL:              m.SSL,
		ClientID:         m.ClientID,
	}
}
