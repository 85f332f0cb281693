// Package ingest is the upstream client of the bridge. It maintains one
// persistent connection to the configured broker or hub, subscribes or
// joins, and turns each inbound frame into an IngressEvent delivered on a
// single channel in arrival order. Connection loss and silent peers are
// handled with an exponential-backoff reconnect loop and an idle watchdog.
package ingest

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/transport"
)

// DefaultIdleTimeout is the default ingest idle watchdog interval.
const DefaultIdleTimeout = 60 * time.Second

// eventQueueDepth is the hand-off buffer between a transport library's
// callback thread and the pipeline goroutine. Sends block when it fills,
// which preserves frame order at the cost of stalling the transport reader.
const eventQueueDepth = 256

// Config selects and parameterizes the ingest dialect.
type Config struct {
	// Source is "mqtt" or "signalr".
	Source string
	// MQTT parameterizes the broker dialect. Used when Source is "mqtt".
	MQTT MQTTConfig
	// SignalR parameterizes the hub dialect. Used when Source is "signalr".
	SignalR SignalRConfig
	// IdleTimeout forces a reconnect when no frame arrives within it.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
}

// session is one dialect connection attempt. A session is connected when
// its dialer returns it, joins its subscription or group on demand, and
// surfaces decoded frames until it fails.
type session interface {
	// join performs the dialect's subscribe or group-join.
	join(ctx context.Context) error
	// frames delivers decoded inbound frames, in arrival order.
	frames() <-chan map[string]interface{}
	// closed fires when the transport fails or the peer disconnects.
	closed() <-chan error
	// close tears the session down. Idempotent.
	close()
}

// dialer opens a dialect session.
type dialer interface {
	// address is the subscribed topic or joined group, for event metadata.
	address() string
	// source is the dialect name, "mqtt" or "signalr".
	source() string
	dial(ctx context.Context) (session, error)
}

// Client is the ingest client: a connection state machine around the
// configured dialect, delivering IngressEvents on Events.
type Client struct {
	dialer      dialer
	events      chan pipeline.IngressEvent
	counters    *pipeline.Counters
	idleTimeout time.Duration
}

// NewClient builds an ingest client for the configured dialect.
func NewClient(cfg Config, counters *pipeline.Counters) (*Client, error) {
	var d dialer
	switch cfg.Source {
	case "mqtt":
		d = newMQTTDialer(cfg.MQTT, counters)
	case "signalr":
		d = newHubDialer(cfg.SignalR, counters)
	default:
		return nil, fmt.Errorf("unknown ingest source %q", cfg.Source)
	}
	return newClient(d, cfg.IdleTimeout, counters), nil
}

func newClient(d dialer, idleTimeout time.Duration, counters *pipeline.Counters) *Client {
	return &Client{
		dialer:      d,
		events:      make(chan pipeline.IngressEvent, eventQueueDepth),
		counters:    counters,
		idleTimeout: idleTimeout,
	}
}

// Events is the ordered stream of decoded inbound frames. The pipeline
// goroutine is its sole consumer.
func (c *Client) Events() <-chan pipeline.IngressEvent { return c.events }

// State returns the client's current connection state.
func (c *Client) State() transport.State {
	return transport.State(c.counters.IngestState.Load())
}

// Run drives the connection state machine until ctx is cancelled. It never
// returns an error before then: every failure re-enters the backoff loop.
func (c *Client) Run(ctx context.Context) error {
	var bo = transport.NewBackOff()

	for ctx.Err() == nil {
		c.setState(transport.Connecting, log.Fields{})
		var session, err = c.dialer.dial(ctx)

		if err == nil {
			c.setState(transport.Joining, log.Fields{})
			if err = session.join(ctx); err == nil {
				c.setState(transport.Ready, log.Fields{})
				bo.Reset()
				c.counters.IngestReconnects.Add(1)
				err = c.serve(ctx, session)
			}
			session.close()
		}

		if ctx.Err() != nil {
			break
		}
		var delay = bo.NextBackOff()
		c.setState(transport.Backoff, log.Fields{"err": err, "delay": delay})
		if !transport.Sleep(ctx, delay) {
			break
		}
	}

	c.setState(transport.Closing, log.Fields{})
	return nil
}

// serve relays frames from a Ready session into the event channel until
// the session fails, the idle watchdog fires, or ctx is cancelled.
func (c *Client) serve(ctx context.Context, s session) error {
	var idle = newIdleTimer(c.idleTimeout)
	defer idle.stop()

	for {
		select {
		case raw, ok := <-s.frames():
			if !ok {
				return fmt.Errorf("frame stream ended")
			}
			idle.touch()
			c.counters.IngestFrames.Add(1)

			var event = pipeline.IngressEvent{
				TraceID: pipeline.TraceIDFromFrame(raw),
				Raw:     raw,
				Meta: pipeline.Meta{
					Source:     c.dialer.source(),
					Address:    c.dialer.address(),
					ReceivedAt: time.Now(),
				},
			}
			select {
			case c.events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}

		case err := <-s.closed():
			return fmt.Errorf("connection lost: %w", err)

		case <-idle.expired():
			return fmt.Errorf("no frame within idle timeout %s", c.idleTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setState(s transport.State, fields log.Fields) {
	var prior = transport.State(c.counters.IngestState.Swap(int64(s)))
	if prior == s {
		return
	}
	fields["client"] = "ingest"
	fields["source"] = c.dialer.source()
	fields["state"] = s.String()
	log.WithFields(fields).Info("ingest connection state")
}

// idleTimer tracks activity and fires once when the idle interval elapses
// without a touch. A zero interval never fires.
type idleTimer struct {
	interval time.Duration
	timer    *time.Timer
}

func newIdleTimer(interval time.Duration) *idleTimer {
	var t = &idleTimer{interval: interval}
	if interval > 0 {
		t.timer = time.NewTimer(interval)
	}
	return t
}

func (t *idleTimer) touch() {
	if t.timer == nil {
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(t.interval)
}

func (t *idleTimer) expired() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (t *idleTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
