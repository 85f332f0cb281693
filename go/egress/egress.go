// Package egress is the downstream client of the bridge. It holds one
// persistent connection to the configured broker or hub and sends one framed
// payload per (device, event) pair, in catalog fan-out order. A failed send
// is retried once after a forced reconnect; connection loss and idle peers
// are handled by a single backoff reconnection loop. Every successful
// per-device send appends one delivery record.
package egress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidewire/bridge/go/deliverylog"
	"github.com/tidewire/bridge/go/pipeline"
	"github.com/tidewire/bridge/go/transport"
)

// DefaultIdleTimeout is the default egress idle watchdog interval: a
// reconnect is forced when no send succeeds within it.
const DefaultIdleTimeout = 90 * time.Second

// DefaultSendTimeout bounds one send attempt. The runtime clamps configured
// values to [3s, 30s].
const DefaultSendTimeout = 10 * time.Second

// Config selects and parameterizes the egress dialect.
type Config struct {
	// Target is "mqtt" or "signalr".
	Target string
	// MQTT parameterizes the broker dialect. Used when Target is "mqtt".
	MQTT MQTTConfig
	// SignalR parameterizes the hub dialect. Used when Target is "signalr".
	SignalR SignalRConfig
	// SendTimeout bounds each send attempt.
	SendTimeout time.Duration
	// IdleTimeout forces a reconnect when no send succeeds within it.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
	// StrictDeviceOrder treats a failed send as final for its device rather
	// than retrying, so that a retried send can never fall behind a later
	// successful send to the same device.
	StrictDeviceOrder bool
}

// conn is one live dialect connection.
type conn interface {
	// send delivers one payload addressed to the device.
	send(ctx context.Context, device string, body []byte) error
	// sendBatch delivers several payloads to the device in one call.
	// Dialects without batch support return an error.
	sendBatch(ctx context.Context, device string, bodies [][]byte) error
	// closed fires when the transport fails or the peer disconnects.
	closed() <-chan error
	// close tears the connection down. Idempotent.
	close()
}

// dialer opens a dialect connection.
type dialer interface {
	target() string
	dial(ctx context.Context) (conn, error)
}

// RecordSink receives one delivery record per successful per-device send.
// It is implemented by deliverylog.Logger.
type RecordSink interface {
	Append(deliverylog.Record)
}

// Client is the egress client. Deliver may be called concurrently with Run;
// sends are serialized internally to preserve the transport library's
// single-writer discipline.
type Client struct {
	dialer   dialer
	sink     RecordSink
	counters *pipeline.Counters

	sendTimeout time.Duration
	idleTimeout time.Duration
	strictOrder bool

	// sendMu serializes sends and the per-send retry path.
	sendMu sync.Mutex

	// connMu guards the current connection and its generation, and admits
	// exactly one reconnector at a time.
	connMu  sync.Mutex
	conn    conn
	gen     uint64
	changed chan struct{}

	// lastActivity is the unix-nano time of the last successful send or
	// connection establishment, read by the idle watchdog.
	lastActivity atomic.Int64

	batcher *batcher
}

// NewClient builds an egress client for the configured dialect.
func NewClient(cfg Config, sink RecordSink, counters *pipeline.Counters) (*Client, error) {
	var d dialer
	switch cfg.Target {
	case "mqtt":
		d = newMQTTDialer(cfg.MQTT)
	case "signalr":
		d = newHubDialer(cfg.SignalR)
	default:
		return nil, fmt.Errorf("unknown egress target %q", cfg.Target)
	}
	var c = newClientWithDialer(d, cfg, sink, counters)

	if cfg.Target == "signalr" && cfg.SignalR.Batch.Enabled {
		c.batcher = newBatcher(cfg.SignalR.Batch, c.flushBatch)
	}
	return c, nil
}

func newClientWithDialer(d dialer, cfg Config, sink RecordSink, counters *pipeline.Counters) *Client {
	var sendTimeout = cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Client{
		dialer:      d,
		sink:        sink,
		counters:    counters,
		sendTimeout: sendTimeout,
		idleTimeout: cfg.IdleTimeout,
		strictOrder: cfg.StrictDeviceOrder,
		changed:     make(chan struct{}, 1),
	}
}

// State returns the client's current connection state.
func (c *Client) State() transport.State {
	return transport.State(c.counters.EgressState.Load())
}

// Deliver sends the resolved event to each of its devices, in catalog
// order. Per-device failures are independent: they are counted and logged,
// and never fail the event as a whole.
func (c *Client) Deliver(ctx context.Context, event pipeline.ResolvedEvent) {
	var body, err = MarshalPayload(event, time.Now())
	if err != nil {
		log.WithFields(log.Fields{"trace": event.TraceID, "err": err}).
			Error("encoding egress payload")
		return
	}

	for _, device := range event.Devices {
		var record = deliverylog.Record{
			TraceID:  event.TraceID,
			DeviceID: device,
			Object:   event.Object,
			Value:    event.Value,
		}
		if c.batcher != nil {
			c.batcher.enqueue(batchItem{device: device, body: body, record: record})
		} else {
			c.deliverOne(ctx, batchItem{device: device, body: body, record: record})
		}
	}
}

func (c *Client) deliverOne(ctx context.Context, item batchItem) {
	if err := c.sendToDevice(ctx, item.device, item.body); err != nil {
		c.counters.SendFailures.Add(1)
		log.WithFields(log.Fields{
			"device": item.device,
			"trace":  item.record.TraceID,
			"err":    err,
		}).Error("per-device send failed")
		return
	}
	c.recordSuccess(item.record)
}

// sendToDevice performs one send under the send mutex: a first attempt,
// and on failure one forced reconnect followed by one retry. Each leg runs
// under its own deadline: a first attempt which stalls until its timeout
// must not also consume the reconnect and retry budget.
func (c *Client) sendToDevice(parent context.Context, device string, body []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var err = c.attempt(parent, device, body)
	if err == nil {
		return nil
	}
	if c.strictOrder {
		return fmt.Errorf("send failed (strict device order forbids the retry): %w", err)
	}

	log.WithFields(log.Fields{"device": device, "err": err}).
		Warn("send failed; forcing reconnect for one retry")
	var _, gen = c.current()
	var rctx, cancel = context.WithTimeout(parent, c.sendTimeout)
	var rerr = c.redial(rctx, gen)
	cancel()
	if rerr != nil {
		return fmt.Errorf("reconnecting after failed send: %w", rerr)
	}
	if err = c.attempt(parent, device, body); err != nil {
		return fmt.Errorf("retry after reconnect: %w", err)
	}
	return nil
}

// attempt runs one send on the current connection, bounded by the
// configured send timeout.
func (c *Client) attempt(parent context.Context, device string, body []byte) error {
	var ctx, cancel = context.WithTimeout(parent, c.sendTimeout)
	defer cancel()

	var conn, _ = c.current()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.send(ctx, device, body)
}

func (c *Client) recordSuccess(record deliverylog.Record) {
	c.counters.Sends.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	record.At = time.Now()
	c.sink.Append(record)
}

// current returns the live connection, if any, and the connection
// generation observed with it.
func (c *Client) current() (conn, uint64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn, c.gen
}

// redial replaces the connection observed at generation observed. When the
// generation has already advanced another reconnector got there first, and
// redial reports its outcome instead of dialing again.
func (c *Client) redial(ctx context.Context, observed uint64) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.gen != observed {
		if c.conn != nil {
			return nil
		}
		return fmt.Errorf("not connected")
	}
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
	c.gen++

	var conn, err = c.dialer.dial(ctx)
	if err != nil {
		c.nudge()
		return err
	}
	c.conn = conn
	c.counters.EgressReconnects.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	c.nudge()
	return nil
}

// invalidate drops the connection observed at the given generation.
func (c *Client) invalidate(observed uint64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.gen != observed || c.conn == nil {
		return
	}
	c.conn.close()
	c.conn = nil
	c.gen++
	c.nudge()
}

// nudge wakes the Run loop after a connection change. Callers hold connMu.
func (c *Client) nudge() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// Run maintains the connection until ctx is cancelled: it dials with
// exponential backoff while disconnected, and watches the live connection
// for loss and idleness. It never returns an error before cancellation.
func (c *Client) Run(ctx context.Context) error {
	var batcherDone chan struct{}
	if c.batcher != nil {
		batcherDone = make(chan struct{})
		go func() {
			c.batcher.run(ctx)
			close(batcherDone)
		}()
	}

	var bo = transport.NewBackOff()
	for ctx.Err() == nil {
		var conn, gen = c.current()

		if conn == nil {
			c.setState(transport.Connecting, log.Fields{})
			if err := c.redial(ctx, gen); err != nil {
				if ctx.Err() != nil {
					break
				}
				var delay = bo.NextBackOff()
				c.setState(transport.Backoff, log.Fields{"err": err, "delay": delay})
				if !transport.Sleep(ctx, delay) {
					break
				}
				continue
			}
			c.setState(transport.Ready, log.Fields{})
			bo.Reset()
			continue
		}

		var idleCh <-chan time.Time
		if c.idleTimeout > 0 {
			var since = time.Since(time.Unix(0, c.lastActivity.Load()))
			var timer = time.NewTimer(c.idleTimeout - since)
			idleCh = timer.C

			select {
			case err := <-conn.closed():
				log.WithFields(log.Fields{"client": "egress", "err": err}).
					Warn("egress connection lost")
				c.invalidate(gen)
			case <-idleCh:
				if time.Since(time.Unix(0, c.lastActivity.Load())) >= c.idleTimeout {
					log.WithField("client", "egress").
						Warn("no successful send within idle timeout; forcing reconnect")
					c.invalidate(gen)
				}
			case <-c.changed:
				// Re-read the current connection.
			case <-ctx.Done():
			}
			timer.Stop()
			continue
		}

		select {
		case err := <-conn.closed():
			log.WithFields(log.Fields{"client": "egress", "err": err}).
				Warn("egress connection lost")
			c.invalidate(gen)
		case <-c.changed:
		case <-ctx.Done():
		}
	}

	// The batcher's final drain sends over the live connection; only after
	// it finishes is the connection torn down.
	if batcherDone != nil {
		<-batcherDone
	}

	c.setState(transport.Closing, log.Fields{})
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
		c.gen++
	}
	c.connMu.Unlock()
	return nil
}

func (c *Client) setState(s transport.State, fields log.Fields) {
	var prior = transport.State(c.counters.EgressState.Swap(int64(s)))
	if prior == s {
		return
	}
	fields["client"] = "egress"
	fields["target"] = c.dialer.target()
	fields["state"] = s.String()
	log.WithFields(fields).Info("egress connection state")
}

// flushBatch delivers one batch window for a device: a single batched call
// when it holds more than one payload, falling back to per-message sends
// (with their normal retry path) if the batch call fails.
func (c *Client) flushBatch(device string, items []batchItem) {
	if len(items) == 1 {
		c.deliverOne(context.Background(), items[0])
		return
	}

	var bodies = make([][]byte, len(items))
	for i, item := range items {
		bodies[i] = item.body
	}

	c.sendMu.Lock()
	var ctx, cancel = context.WithTimeout(context.Background(), c.sendTimeout)
	var err = func() error {
		var conn, _ = c.current()
		if conn == nil {
			return fmt.Errorf("not connected")
		}
		return conn.sendBatch(ctx, device, bodies)
	}()
	cancel()
	c.sendMu.Unlock()

	if err == nil {
		for _, item := range items {
			c.recordSuccess(item.record)
		}
		return
	}

	log.WithFields(log.Fields{
		"device": device,
		"count":  len(items),
		"err":    err,
	}).Warn("batched send failed; falling back to per-message sends")
	for _, item := range items {
		c.deliverOne(context.Background(), item)
	}
}
