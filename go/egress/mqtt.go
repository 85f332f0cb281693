package egress

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/tidewire/bridge/go/transport"
)

// DefaultTopicTemplate addresses a device's ingress topic. The single
// verb is replaced with the lower-cased device id.
const DefaultTopicTemplate = "devices/%s/ingress"

const pahoDisconnectQuiesce = 250 * time.Millisecond

// MQTTConfig parameterizes the broker dialect of the egress client.
type MQTTConfig struct {
	transport.MQTTSettings
	// QoS of published payloads, 0 through 2.
	QoS byte
	// TopicTemplate overrides the per-device topic. Default
	// "devices/%s/ingress".
	TopicTemplate string
}

type mqttDialer struct {
	cfg MQTTConfig
	// newClient is swapped by tests for a fake broker client.
	newClient func(*paho.ClientOptions) paho.Client
}

func newMQTTDialer(cfg MQTTConfig) *mqttDialer {
	if cfg.TopicTemplate == "" {
		cfg.TopicTemplate = DefaultTopicTemplate
	}
	return &mqttDialer{cfg: cfg, newClient: paho.NewClient}
}

func (d *mqttDialer) target() string { return "mqtt" }

func (d *mqttDialer) dial(ctx context.Context) (conn, error) {
	var c = &mqttConn{dialer: d, lostCh: make(chan error, 1)}

	var opts = d.cfg.MQTTOptions()
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case c.lostCh <- err:
		default:
		}
	})
	c.client = d.newClient(opts)

	if err := transport.WaitToken(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", d.cfg.BrokerURL(), err)
	}
	return c, nil
}

type mqttConn struct {
	dialer *mqttDialer
	client paho.Client
	lostCh chan error
}

func (c *mqttConn) send(ctx context.Context, device string, body []byte) error {
	var topic = fmt.Sprintf(c.dialer.cfg.TopicTemplate, strings.ToLower(device))
	var token = c.client.Publish(topic, c.dialer.cfg.QoS, false, body)
	if err := transport.WaitToken(ctx, token); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func (c *mqttConn) sendBatch(context.Context, string, [][]byte) error {
	return fmt.Errorf("the mqtt dialect does not batch sends")
}

func (c *mqttConn) closed() <-chan error { return c.lostCh }

func (c *mqttConn) close() {
	c.client.Disconnect(uint(pahoDisconnectQuiesce.Milliseconds()))
}
