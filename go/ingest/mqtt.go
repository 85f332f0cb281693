package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/transport"
)

// pahoDisconnectQuiesce bounds the unsubscribe and disconnect of a session
// teardown.
const pahoDisconnectQuiesce = 250 * time.Millisecond

// MQTTConfig parameterizes the broker dialect of the ingest client.
type MQTTConfig struct {
	transport.MQTTSettings
	// Topic to subscribe to.
	Topic string
	// QoS of the subscription, 0 through 2.
	QoS byte
}

type mqttDialer struct {
	cfg      MQTTConfig
	counters *pipeline.Counters
	// newClient is swapped by tests for a fake broker client.
	newClient func(*paho.ClientOptions) paho.Client
}

func newMQTTDialer(cfg MQTTConfig, counters *pipeline.Counters) *mqttDialer {
	return &mqttDialer{
		cfg:       cfg,
		counters:  counters,
		newClient: paho.NewClient,
	}
}

func (d *mqttDialer) source() string  { return "mqtt" }
func (d *mqttDialer) address() string { return d.cfg.Topic }

func (d *mqttDialer) dial(ctx context.Context) (session, error) {
	var s = &mqttSession{
		dialer:  d,
		frameCh: make(chan map[string]interface{}, eventQueueDepth),
		lostCh:  make(chan error, 1),
		done:    make(chan struct{}),
	}

	var opts = d.cfg.MQTTOptions()
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case s.lostCh <- err:
		default:
		}
	})
	s.client = d.newClient(opts)

	if err := transport.WaitToken(ctx, s.client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", d.cfg.BrokerURL(), err)
	}
	return s, nil
}

type mqttSession struct {
	dialer  *mqttDialer
	client  paho.Client
	frameCh chan map[string]interface{}
	lostCh  chan error
	done    chan struct{}
	once    sync.Once
}

func (s *mqttSession) join(ctx context.Context) error {
	var token = s.client.Subscribe(s.dialer.cfg.Topic, s.dialer.cfg.QoS, s.onMessage)
	if err := transport.WaitToken(ctx, token); err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.dialer.cfg.Topic, err)
	}
	return nil
}

// onMessage runs on the paho router goroutine. It only decodes and enqueues:
// pipeline state is touched exclusively by the Events consumer. The enqueue
// blocks when the pipeline is behind, preserving frame order, and releases
// when the session is torn down so an abandoned session cannot pin the
// router goroutine.
func (s *mqttSession) onMessage(_ paho.Client, msg paho.Message) {
	var raw map[string]interface{}
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		s.dialer.counters.IngestDecodeFailures.Add(1)
		log.WithFields(log.Fields{
			"topic": msg.Topic(),
			"err":   err,
		}).Debug("dropping undecodable frame")
		return
	}
	select {
	case s.frameCh <- raw:
	case <-s.done:
	}
}

func (s *mqttSession) frames() <-chan map[string]interface{} { return s.frameCh }
func (s *mqttSession) closed() <-chan error                  { return s.lostCh }

func (s *mqttSession) close() {
	s.once.Do(func() {
		close(s.done)
		// Best-effort unsubscribe before disconnecting; a dead connection
		// resolves the token with its error, which we ignore.
		if s.client.IsConnected() {
			s.client.Unsubscribe(s.dialer.cfg.Topic).WaitTimeout(pahoDisconnectQuiesce)
		}
		s.client.Disconnect(uint(pahoDisconnectQuiesce.Milliseconds()))
	})
}
