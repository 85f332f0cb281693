// bridge-simulator is a simulated downstream device, for demos and soak
// tests. It subscribes each --device's ingress topic (or joins its hub
// group) and prints every received payload with its delivery latency.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/egress"
	"github.com/tidewire/bridge/go/signalr"
	"github.com/tidewire/bridge/go/transport"
	mbp "go.gazette.dev/core/mainboilerplate"
)

// timestampLayout matches the bridge's payload timestamp rendering.
const timestampLayout = "2006-01-02T15:04:05.000Z"

var Config = struct {
	Devices []string      `long:"device" required:"true" description:"Device id to simulate (repeatable)"`
	Source  string        `long:"source" choice:"mqtt" choice:"signalr" default:"mqtt" description:"Transport to receive on"`
	Slow    time.Duration `long:"slow" default:"750ms" description:"Latency above which a payload renders as slow"`

	MQTT struct {
		Host     string `long:"host" default:"localhost" description:"Broker host"`
		Port     int    `long:"port" default:"1883" description:"Broker port"`
		Username string `long:"username" description:"Broker username"`
		Password string `long:"password" description:"Broker password"`
		QoS      int    `long:"qos" default:"1" description:"Subscription QoS"`
		SSL      bool   `long:"ssl" description:"Connect with TLS"`
	} `group:"MQTT" namespace:"mqtt"`

	SignalR struct {
		URL           string `long:"url" description:"Hub endpoint URL"`
		JoinMethod    string `long:"join-method" default:"JoinGroup" description:"Hub method joining a device group"`
		Target        string `long:"target" default:"ingress" description:"Hub target carrying payloads"`
		Username      string `long:"username" description:"Hub username"`
		Password      string `long:"password" description:"Hub password"`
		SkipNegotiate bool   `long:"skip-negotiate" description:"Dial the websocket directly"`
	} `group:"SignalR" namespace:"signalr"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}{}

// printer renders received payloads and keeps a per-device counter.
type printer struct {
	mu     sync.Mutex
	slow   time.Duration
	counts map[string]int

	device *color.Color
	ok     *color.Color
	lag    *color.Color
	bad    *color.Color
}

func newPrinter(slow time.Duration) *printer {
	return &printer{
		slow:   slow,
		counts: make(map[string]int),
		device: color.New(color.FgCyan, color.Bold),
		ok:     color.New(color.FgGreen),
		lag:    color.New(color.FgYellow),
		bad:    color.New(color.FgRed),
	}
}

// payload prints one received body, which may be a single payload document
// or a batched array of them.
func (p *printer) payload(device string, body []byte) {
	var docs = []json.RawMessage{json.RawMessage(body)}
	if len(body) != 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &docs); err != nil {
			p.decodeError(device, err)
			return
		}
	}
	for _, doc := range docs {
		p.one(device, doc)
	}
}

func (p *printer) one(device string, doc json.RawMessage) {
	var payload struct {
		Object    string      `json:"object"`
		Value     interface{} `json:"value"`
		Timestamp string      `json:"timestamp"`
		TraceID   string      `json:"trace_id"`
	}
	if err := json.Unmarshal(doc, &payload); err != nil {
		p.decodeError(device, err)
		return
	}

	var latency = p.lag.Sprint("?")
	if at, err := time.Parse(timestampLayout, payload.Timestamp); err == nil {
		var d = time.Since(at).Round(time.Millisecond)
		if d < p.slow {
			latency = p.ok.Sprint(d)
		} else {
			latency = p.lag.Sprint(d)
		}
	}

	p.mu.Lock()
	p.counts[device]++
	var n = p.counts[device]
	p.mu.Unlock()

	fmt.Printf("%s  %-16s %v  latency=%s  n=%d\n",
		p.device.Sprintf("%-8s", device), payload.Object, payload.Value, latency, n)
}

func (p *printer) decodeError(device string, err error) {
	p.mu.Lock()
	p.counts[device]++
	p.mu.Unlock()
	fmt.Printf("%s  %s\n",
		p.device.Sprintf("%-8s", device), p.bad.Sprintf("undecodable payload: %v", err))
}

func runMQTT(ctx context.Context, p *printer) error {
	var settings = transport.MQTTSettings{
		Host:     Config.MQTT.Host,
		Port:     Config.MQTT.Port,
		Username: Config.MQTT.Username,
		Password: Config.MQTT.Password,
		SSL:      Config.MQTT.SSL,
		ClientID: fmt.Sprintf("bridge-simulator-%d", os.Getpid()),
	}

	var lostCh = make(chan error, 1)
	var opts = settings.MQTTOptions()
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case lostCh <- err:
		default:
		}
	})
	var client = paho.NewClient(opts)

	if err := transport.WaitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connecting to broker %s: %w", settings.BrokerURL(), err)
	}
	defer client.Disconnect(250)

	for _, device := range Config.Devices {
		var topic = fmt.Sprintf(egress.DefaultTopicTemplate, strings.ToLower(device))
		var token = client.Subscribe(topic, byte(Config.MQTT.QoS), func(_ paho.Client, msg paho.Message) {
			p.payload(device, msg.Payload())
		})
		if err := transport.WaitToken(ctx, token); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		log.WithFields(log.Fields{"device": device, "topic": topic}).Info("subscribed")
	}

	select {
	case err := <-lostCh:
		return fmt.Errorf("connection lost: %w", err)
	case <-ctx.Done():
		return nil
	}
}

func runSignalR(ctx context.Context, p *printer) error {
	if Config.SignalR.URL == "" {
		return fmt.Errorf("--signalr.url is required with --source signalr")
	}

	// One connection per device, so each handler knows its group.
	var conns []*signalr.Conn
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	var lostCh = make(chan error, len(Config.Devices))
	for _, device := range Config.Devices {
		var conn, err = signalr.Dial(ctx, signalr.Options{
			URL:           Config.SignalR.URL,
			Username:      Config.SignalR.Username,
			Password:      Config.SignalR.Password,
			SkipNegotiate: Config.SignalR.SkipNegotiate,
		})
		if err != nil {
			return fmt.Errorf("dialing hub for %s: %w", device, err)
		}
		conns = append(conns, conn)

		conn.On(Config.SignalR.Target, func(args []json.RawMessage) {
			for _, arg := range args {
				var body string
				if err := json.Unmarshal(arg, &body); err == nil {
					p.payload(device, []byte(body))
				} else {
					p.payload(device, arg)
				}
			}
		})
		if err = conn.Invoke(ctx, Config.SignalR.JoinMethod, device); err != nil {
			return fmt.Errorf("joining group %s: %w", device, err)
		}
		log.WithFields(log.Fields{"device": device}).Info("joined group")

		go func() {
			if err := <-conn.Closed(); err != nil {
				lostCh <- fmt.Errorf("%s: %w", device, err)
			}
		}()
	}

	select {
	case err := <-lostCh:
		return fmt.Errorf("connection lost: %w", err)
	case <-ctx.Done():
		return nil
	}
}

func run() error {
	mbp.InitLog(Config.Log)
	var p = newPrinter(Config.Slow)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch Config.Source {
	case "mqtt":
		return runMQTT(ctx, p)
	default:
		return runSignalR(ctx, p)
	}
}

func main() {
	var parser = flags.NewParser(&Config, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	if err := run(); err != nil {
		log.WithField("err", err).Fatal("bridge-simulator failed")
	}
}
