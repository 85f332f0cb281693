package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/transport"
)

func testMQTTSettings() transport.MQTTSettings {
	return transport.MQTTSettings{
		Host:             "broker.local",
		Port:             1883,
		KeepaliveSeconds: 30,
		ClientID:         "bridge-test",
	}
}

func TestMQTTDialSubscribesAndDecodes(t *testing.T) {
	var counters = new(pipeline.Counters)
	var dialer = newMQTTDialer(MQTTConfig{
		MQTTSettings: testMQTTSettings(),
		Topic:        "bridge/ingress",
		QoS:          1,
	}, counters)

	var fake = newFakePaho()
	dialer.newClient = func(opts *paho.ClientOptions) paho.Client {
		fake.opts = opts
		return fake
	}

	session, err := dialer.dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.join(context.Background()))

	require.Equal(t, "bridge/ingress", fake.subscribedTopic)
	require.Equal(t, byte(1), fake.subscribedQoS)

	// A well-formed frame is decoded and enqueued.
	fake.handler(fake, fakeMessage{topic: "bridge/ingress", payload: []byte(
		`{"header":{"UUID":"x"},"payload":{"Equip.Tag":"GPS001","Message.ID":"GLL001","VALUE":37.5665}}`)})
	var raw = <-session.frames()
	var payload = raw["payload"].(map[string]interface{})
	require.Equal(t, "GPS001", payload["Equip.Tag"])

	// A malformed frame only counts a decode failure.
	fake.handler(fake, fakeMessage{topic: "bridge/ingress", payload: []byte(`not json`)})
	require.Equal(t, int64(1), counters.IngestDecodeFailures.Load())
	select {
	case <-session.frames():
		t.Fatal("malformed frame was enqueued")
	default:
	}

	session.close()
	require.True(t, fake.disconnected)
}

func TestMQTTHandlerUnblocksOnSessionClose(t *testing.T) {
	var dialer = newMQTTDialer(MQTTConfig{
		MQTTSettings: testMQTTSettings(),
		Topic:        "bridge/ingress",
	}, new(pipeline.Counters))

	var fake = newFakePaho()
	dialer.newClient = func(opts *paho.ClientOptions) paho.Client {
		fake.opts = opts
		return fake
	}

	session, err := dialer.dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.join(context.Background()))

	// Fill the hand-off buffer with no consumer; the next delivery blocks
	// on the router goroutine.
	var frame = []byte(`{"payload":{"Equip.Tag":"GPS001"}}`)
	for i := 0; i < eventQueueDepth; i++ {
		fake.handler(fake, fakeMessage{topic: "bridge/ingress", payload: frame})
	}
	var unblocked = make(chan struct{})
	go func() {
		fake.handler(fake, fakeMessage{topic: "bridge/ingress", payload: frame})
		close(unblocked)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-unblocked:
		t.Fatal("router callback returned with a full buffer")
	default:
	}

	// Tearing the session down releases the router goroutine.
	session.close()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("router callback still blocked after close")
	}
}

func TestMQTTDialConnectFailure(t *testing.T) {
	var dialer = newMQTTDialer(MQTTConfig{
		MQTTSettings: testMQTTSettings(),
		Topic:        "bridge/ingress",
	}, new(pipeline.Counters))

	var fake = newFakePaho()
	fake.connectErr = fmt.Errorf("connection refused")
	dialer.newClient = func(*paho.ClientOptions) paho.Client { return fake }

	var _, err = dialer.dial(context.Background())
	require.ErrorContains(t, err, "connection refused")
}

func TestMQTTConnectionLostSurfacesOnce(t *testing.T) {
	var dialer = newMQTTDialer(MQTTConfig{
		MQTTSettings: testMQTTSettings(),
		Topic:        "bridge/ingress",
	}, new(pipeline.Counters))

	var fake = newFakePaho()
	dialer.newClient = func(opts *paho.ClientOptions) paho.Client {
		fake.opts = opts
		return fake
	}

	session, err := dialer.dial(context.Background())
	require.NoError(t, err)

	// Simultaneous loss callbacks must not block: the channel holds one.
	fake.opts.OnConnectionLost(fake, fmt.Errorf("broken pipe"))
	fake.opts.OnConnectionLost(fake, fmt.Errorf("broken pipe"))

	require.ErrorContains(t, <-session.closed(), "broken pipe")
}

func TestMQTTSettingsBrokerURL(t *testing.T) {
	var s = testMQTTSettings()
	require.Equal(t, "tcp://broker.local:1883", s.BrokerURL())
	s.SSL = true
	require.Equal(t, "ssl://broker.local:1883", s.BrokerURL())
}

// fakePaho is a paho.Client test double.
type fakePaho struct {
	opts            *paho.ClientOptions
	connectErr      error
	connected       bool
	disconnected    bool
	subscribedTopic string
	subscribedQoS   byte
	handler         paho.MessageHandler
}

func newFakePaho() *fakePaho { return &fakePaho{} }

func (f *fakePaho) Connect() paho.Token {
	if f.connectErr == nil {
		f.connected = true
	}
	return doneToken{err: f.connectErr}
}

func (f *fakePaho) Disconnect(uint) {
	f.connected = false
	f.disconnected = true
}

func (f *fakePaho) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	f.subscribedTopic = topic
	f.subscribedQoS = qos
	f.handler = callback
	return doneToken{}
}

func (f *fakePaho) Unsubscribe(...string) paho.Token { return doneToken{} }

func (f *fakePaho) Publish(string, byte, bool, interface{}) paho.Token { return doneToken{} }

func (f *fakePaho) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return doneToken{}
}

func (f *fakePaho) IsConnected() bool                        { return f.connected }
func (f *fakePaho) IsConnectionOpen() bool                   { return f.connected }
func (f *fakePaho) AddRoute(string, paho.MessageHandler)     {}
func (f *fakePaho) OptionsReader() paho.ClientOptionsReader  { return paho.ClientOptionsReader{} }

// doneToken is an already-resolved paho.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	var ch = make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

// fakeMessage is a paho.Message test double.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
