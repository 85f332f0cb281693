// bridge-feeder generates test telemetry frames and publishes them to the
// bridge's ingest side, either to a broker topic or through a hub method.
// Frames follow the upstream contract: a routing header carrying a UUID and
// a payload of (Equip.Tag, Message.ID, VALUE), with values drawn from a
// scenario document or the built-in GPS/engine set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/signalr"
	"github.com/tidewire/bridge/go/transport"
	mbp "go.gazette.dev/core/mainboilerplate"
	"gopkg.in/yaml.v3"
)

// headerTimeLayout is the frame header's TIME rendering.
const headerTimeLayout = "20060102150405"

var Config = struct {
	Source   string  `long:"source" choice:"mqtt" choice:"signalr" default:"mqtt" description:"Transport to publish on"`
	Rate     float64 `long:"rate" default:"1" description:"Frames per second"`
	Count    int     `long:"count" default:"0" description:"Frames to send (0 = unbounded)"`
	Scenario string  `long:"scenario" description:"Path of a YAML scenario document"`
	SrcID    string  `long:"src" default:"FEEDER" description:"Header SRC field"`
	DestID   string  `long:"dest" default:"BRIDGE" description:"Header DEST field"`

	MQTT struct {
		Host     string `long:"host" default:"localhost" description:"Broker host"`
		Port     int    `long:"port" default:"1883" description:"Broker port"`
		Topic    string `long:"topic" default:"telemetry/frames" description:"Topic to publish frames to"`
		Username string `long:"username" description:"Broker username"`
		Password string `long:"password" description:"Broker password"`
		QoS      int    `long:"qos" default:"1" description:"Publish QoS"`
		SSL      bool   `long:"ssl" description:"Connect with TLS"`
	} `group:"MQTT" namespace:"mqtt"`

	SignalR struct {
		URL           string `long:"url" description:"Hub endpoint URL"`
		Group         string `long:"group" default:"telemetry" description:"Group to publish frames into"`
		Method        string `long:"method" default:"SendToGroup" description:"Hub method invoked per frame"`
		Username      string `long:"username" description:"Hub username"`
		Password      string `long:"password" description:"Hub password"`
		SkipNegotiate bool   `long:"skip-negotiate" description:"Dial the websocket directly"`
	} `group:"SignalR" namespace:"signalr"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}{}

// scenarioEntry describes one generated signal. Exactly one of Value,
// Values, or the Min/Max pair selects the generator; a bare (equip_tag,
// message_id) produces a uniform float in [0, 1).
type scenarioEntry struct {
	EquipTag  string        `yaml:"equip_tag"`
	MessageID string        `yaml:"message_id"`
	Value     interface{}   `yaml:"value,omitempty"`
	Min       *float64      `yaml:"min,omitempty"`
	Max       *float64      `yaml:"max,omitempty"`
	Values    []interface{} `yaml:"values,omitempty"`
}

func (e scenarioEntry) next(rng *rand.Rand) interface{} {
	switch {
	case len(e.Values) != 0:
		return e.Values[rng.Intn(len(e.Values))]
	case e.Min != nil && e.Max != nil:
		return *e.Min + rng.Float64()*(*e.Max-*e.Min)
	case e.Value != nil:
		return e.Value
	default:
		return rng.Float64()
	}
}

// defaultScenario mirrors the stock GPS and engine signals.
func defaultScenario() []scenarioEntry {
	var f = func(v float64) *float64 { return &v }
	return []scenarioEntry{
		{EquipTag: "GPS001", MessageID: "GLL001", Min: f(37.40), Max: f(37.70)},
		{EquipTag: "GPS001", MessageID: "GLL002", Min: f(126.80), Max: f(127.10)},
		{EquipTag: "GPS001", MessageID: "GLL003", Min: f(0), Max: f(24.5)},
		{EquipTag: "ENG001", MessageID: "RPM001", Min: f(800), Max: f(2400)},
		{EquipTag: "ENG001", MessageID: "TMP001", Min: f(70), Max: f(95)},
	}
}

func loadScenario(path string) ([]scenarioEntry, error) {
	if path == "" {
		return defaultScenario(), nil
	}
	var doc, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var entries []scenarioEntry
	if err = yaml.Unmarshal(doc, &entries); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	for i, e := range entries {
		if e.EquipTag == "" || e.MessageID == "" {
			return nil, fmt.Errorf("scenario %s: entry %d needs equip_tag and message_id", path, i)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("scenario %s is empty", path)
	}
	return entries, nil
}

// buildFrame renders one frame document for the entry.
func buildFrame(e scenarioEntry, rng *rand.Rand, at time.Time) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"header": map[string]interface{}{
			"UUID": uuid.NewString(),
			"TIME": at.Format(headerTimeLayout),
			"SRC":  Config.SrcID,
			"DEST": Config.DestID,
			"TYPE": "TELEMETRY",
		},
		"payload": map[string]interface{}{
			"Equip.Tag":  e.EquipTag,
			"Message.ID": e.MessageID,
			"VALUE":      e.next(rng),
		},
	})
}

// publisher sends one rendered frame.
type publisher interface {
	publish(ctx context.Context, frame []byte) error
	close()
}

type mqttPublisher struct {
	client paho.Client
	topic  string
	qos    byte
}

func dialMQTT(ctx context.Context) (*mqttPublisher, error) {
	var settings = transport.MQTTSettings{
		Host:     Config.MQTT.Host,
		Port:     Config.MQTT.Port,
		Username: Config.MQTT.Username,
		Password: Config.MQTT.Password,
		SSL:      Config.MQTT.SSL,
		ClientID: fmt.Sprintf("bridge-feeder-%d", os.Getpid()),
	}
	var client = paho.NewClient(settings.MQTTOptions())
	if err := transport.WaitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", settings.BrokerURL(), err)
	}
	return &mqttPublisher{
		client: client,
		topic:  Config.MQTT.Topic,
		qos:    byte(Config.MQTT.QoS),
	}, nil
}

func (p *mqttPublisher) publish(ctx context.Context, frame []byte) error {
	return transport.WaitToken(ctx, p.client.Publish(p.topic, p.qos, false, frame))
}

func (p *mqttPublisher) close() { p.client.Disconnect(250) }

type hubPublisher struct {
	conn   *signalr.Conn
	group  string
	method string
}

func dialHub(ctx context.Context) (*hubPublisher, error) {
	if Config.SignalR.URL == "" {
		return nil, fmt.Errorf("--signalr.url is required with --source signalr")
	}
	var conn, err = signalr.Dial(ctx, signalr.Options{
		URL:           Config.SignalR.URL,
		Username:      Config.SignalR.Username,
		Password:      Config.SignalR.Password,
		SkipNegotiate: Config.SignalR.SkipNegotiate,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}
	return &hubPublisher{
		conn:   conn,
		group:  Config.SignalR.Group,
		method: Config.SignalR.Method,
	}, nil
}

func (p *hubPublisher) publish(ctx context.Context, frame []byte) error {
	return p.conn.Invoke(ctx, p.method, p.group, string(frame))
}

func (p *hubPublisher) close() { _ = p.conn.Close() }

func run() error {
	mbp.InitLog(Config.Log)

	if Config.Rate <= 0 {
		return fmt.Errorf("--rate must be positive")
	}
	var entries, err = loadScenario(Config.Scenario)
	if err != nil {
		return err
	}

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var pub publisher
	switch Config.Source {
	case "mqtt":
		pub, err = dialMQTT(ctx)
	default:
		pub, err = dialHub(ctx)
	}
	if err != nil {
		return err
	}
	defer pub.close()

	log.WithFields(log.Fields{
		"source":  Config.Source,
		"rate":    Config.Rate,
		"count":   Config.Count,
		"signals": len(entries),
	}).Info("starting bridge-feeder")

	var rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	var ticker = time.NewTicker(time.Duration(float64(time.Second) / Config.Rate))
	defer ticker.Stop()

	for sent := 0; Config.Count == 0 || sent < Config.Count; sent++ {
		var entry = entries[sent%len(entries)]
		frame, err := buildFrame(entry, rng, time.Now())
		if err != nil {
			return fmt.Errorf("rendering frame: %w", err)
		}
		if err = pub.publish(ctx, frame); err != nil {
			return fmt.Errorf("publishing frame %d: %w", sent+1, err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.WithField("sent", sent+1).Info("interrupted")
			return nil
		}
	}
	log.WithField("sent", Config.Count).Info("scenario complete")
	return nil
}

func main() {
	var parser = flags.NewParser(&Config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	if err := run(); err != nil {
		log.WithField("err", err).Fatal("bridge-feeder failed")
	}
}
